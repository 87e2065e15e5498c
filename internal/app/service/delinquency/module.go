package delinquency

import (
	"go.uber.org/fx"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
)

var Module = fx.Options(
	fx.Provide(
		NewCascade,
		fx.Annotate(
			func(c *Cascade) phase.Processor { return c },
			fx.ResultTags(`group:"phases"`),
		),
	),
)
