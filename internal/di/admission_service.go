package di

import (
	"github.com/samber/do/v2"

	"github.com/h-lu/llmGateway-sub000/internal/admission"
)

// AdmissionService holds the admission pipeline handed to the request layer.
type AdmissionService struct {
	Pipeline *admission.Pipeline
}

// NewAdmission sequences the limiter, the quota coordinator, the rule checker
// and the router. The rule checker defaults to allow-all; a request layer with
// content rules provides its own through do.Override.
func NewAdmission(i do.Injector) (*AdmissionService, error) {
	loggerSvc := do.MustInvoke[*LoggerService](i)
	rlSvc := do.MustInvoke[*RateLimitService](i)
	quotaSvc := do.MustInvoke[*QuotaService](i)
	routerSvc := do.MustInvoke[*RouterService](i)
	usageSvc := do.MustInvoke[*UsageService](i)

	rules, err := do.Invoke[admission.RuleChecker](i)
	if err != nil {
		rules = admission.AllowAll{}
	}

	p, err := admission.NewPipeline(admission.Options{
		Limiter:  rlSvc.Limiter,
		Reserver: quotaSvc.Coordinator,
		Period:   quotaSvc.View,
		Rules:    rules,
		Router:   routerSvc.Router,
		Sink:     usageSvc.Worker,
		Logger:   loggerSvc.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &AdmissionService{Pipeline: p}, nil
}
