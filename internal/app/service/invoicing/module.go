package invoicing

import (
	"go.uber.org/fx"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
)

var Module = fx.Options(
	fx.Provide(
		fx.Annotate(NewUsageAmountCalculator, fx.As(new(AmountCalculator))),
		NewGenerator,
		fx.Annotate(
			func(g *Generator) phase.Processor { return g },
			fx.ResultTags(`group:"phases"`),
		),
	),
)
