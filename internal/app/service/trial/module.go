package trial

import (
	"go.uber.org/fx"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
)

var Module = fx.Options(
	fx.Provide(
		NewProcessor,
		fx.Annotate(
			func(p *Processor) phase.Processor { return p },
			fx.ResultTags(`group:"phases"`),
		),
	),
)
