package dunning

import (
	"go.uber.org/fx"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
)

var Module = fx.Options(
	fx.Provide(
		NewEvaluator,
		fx.Annotate(
			func(e *Evaluator) phase.Processor { return e },
			fx.ResultTags(`group:"phases"`),
		),
	),
)
