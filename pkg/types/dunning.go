package types

// DunningLevel is the delinquency level of a billing entity, 0 (current) to 4 (full block).
type DunningLevel int

const (
	DunningLevelNone DunningLevel = iota
	DunningLevelWarning
	DunningLevelReadOnly
	DunningLevelPartialBlock
	DunningLevelFullBlock
)

const MaxDunningLevel = DunningLevelFullBlock

type DunningAction string

const (
	DunningActionRestore      DunningAction = "restore"
	DunningActionWarning      DunningAction = "warning"
	DunningActionReadOnly     DunningAction = "read_only"
	DunningActionPartialBlock DunningAction = "partial_block"
	DunningActionFullBlock    DunningAction = "full_block"
)

// DefaultDunningActions maps a target level to the action recorded for it.
var DefaultDunningActions = map[DunningLevel]DunningAction{
	DunningLevelNone:         DunningActionRestore,
	DunningLevelWarning:      DunningActionWarning,
	DunningLevelReadOnly:     DunningActionReadOnly,
	DunningLevelPartialBlock: DunningActionPartialBlock,
	DunningLevelFullBlock:    DunningActionFullBlock,
}

// DefaultDunningThresholds are the minimum days overdue for levels 1..4.
var DefaultDunningThresholds = [4]int{1, 8, 16, 31}

type DunningDirection string

const (
	DunningDirectionEscalation DunningDirection = "escalation"
	DunningDirectionReversal   DunningDirection = "reversal"
)

func (l DunningLevel) Action() DunningAction {
	if a, ok := DefaultDunningActions[l]; ok {
		return a
	}
	return DunningActionFullBlock
}
