package automation

import (
	"fmt"

	"github.com/spf13/cast"

	"suasflow/internal/domain"
)

// Parameter bag keys.
const (
	ParamPrazoDias   = "prazo_dias"
	ParamPrioridade  = "prioridade"
	ParamDiasSemMov  = "dias_sem_mov"
	ParamJanelaHoras = "janela_horas"
	ParamLimiteDias  = "limite_dias"
)

// Params is the typed form of a rule's parameter bag. The concrete type
// depends on the rule key.
type Params interface {
	Common() CommonParams
	// Bag renders the params back into the stored map form.
	Bag() map[string]any
}

// CommonParams are accepted by every rule. PrazoDias is the number of days
// between the execution and the due date of the created task. Unknown keys
// are kept in Extra.
type CommonParams struct {
	PrazoDias  int
	Prioridade domain.Priority
	Extra      map[string]any
}

func (c CommonParams) Common() CommonParams { return c }

func (c CommonParams) bag() map[string]any {
	m := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		m[k] = v
	}
	m[ParamPrazoDias] = c.PrazoDias
	m[ParamPrioridade] = string(c.Prioridade)
	return m
}

type CaseIdleParams struct {
	CommonParams
	DiasSemMov int
}

func (p CaseIdleParams) Bag() map[string]any {
	m := p.bag()
	m[ParamDiasSemMov] = p.DiasSemMov
	return m
}

type ReferralFeedbackParams struct {
	CommonParams
}

func (p ReferralFeedbackParams) Bag() map[string]any { return p.bag() }

type ReferralRiskParams struct {
	CommonParams
	JanelaHoras int
}

func (p ReferralRiskParams) Bag() map[string]any {
	m := p.bag()
	m[ParamJanelaHoras] = p.JanelaHoras
	return m
}

// PendingParams drive the rules that flag records idle for LimiteDias days.
type PendingParams struct {
	CommonParams
	LimiteDias int
}

func (p PendingParams) Bag() map[string]any {
	m := p.bag()
	m[ParamLimiteDias] = p.LimiteDias
	return m
}

// ParseParams validates bag against the schema of the rule key.
func ParseParams(key string, bag map[string]any) (Params, error) {
	def, ok := Lookup(key)
	if !ok {
		return nil, domain.ValidationError{Field: "key", Reason: fmt.Sprintf("unknown rule %q", key)}
	}
	common, err := parseCommon(bag, def)
	if err != nil {
		return nil, err
	}
	switch key {
	case KeyCaseIdle:
		days, err := requiredInt(bag, ParamDiasSemMov, 1)
		if err != nil {
			return nil, err
		}
		return CaseIdleParams{CommonParams: common, DiasSemMov: days}, nil
	case KeyReferralNoFeedback:
		return ReferralFeedbackParams{CommonParams: common}, nil
	case KeyReferralAtRisk:
		hours, err := requiredInt(bag, ParamJanelaHoras, 1)
		if err != nil {
			return nil, err
		}
		return ReferralRiskParams{CommonParams: common, JanelaHoras: hours}, nil
	case KeyCadUnicoPending, KeySCFVDropout:
		days, err := requiredInt(bag, ParamLimiteDias, 1)
		if err != nil {
			return nil, err
		}
		return PendingParams{CommonParams: common, LimiteDias: days}, nil
	}
	return nil, domain.ValidationError{Field: "key", Reason: fmt.Sprintf("rule %q has no parameter schema", key)}
}

var knownKeys = map[string]bool{
	ParamPrazoDias: true, ParamPrioridade: true, ParamDiasSemMov: true, ParamJanelaHoras: true, ParamLimiteDias: true,
}

func parseCommon(bag map[string]any, def Definition) (CommonParams, error) {
	c := CommonParams{
		PrazoDias:  cast.ToInt(def.Defaults[ParamPrazoDias]),
		Prioridade: domain.PriorityHigh,
	}
	if v, ok := bag[ParamPrazoDias]; ok && v != nil {
		n, err := cast.ToIntE(v)
		if err != nil || n < 0 {
			return c, domain.ValidationError{Field: ParamPrazoDias, Reason: "must be a non-negative integer"}
		}
		c.PrazoDias = n
	}
	if v, ok := bag[ParamPrioridade]; ok && v != nil && cast.ToString(v) != "" {
		p := domain.Priority(cast.ToString(v))
		if !p.Valid() {
			return c, domain.ValidationError{Field: ParamPrioridade, Reason: fmt.Sprintf("unknown priority %q", p)}
		}
		c.Prioridade = p
	}
	for k, v := range bag {
		if knownKeys[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = map[string]any{}
		}
		c.Extra[k] = v
	}
	return c, nil
}

func requiredInt(bag map[string]any, key string, min int) (int, error) {
	v, ok := bag[key]
	if !ok || v == nil {
		return 0, domain.ValidationError{Field: key, Reason: "is required"}
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, domain.ValidationError{Field: key, Reason: fmt.Sprintf("must be an integer, got %v", v)}
	}
	if n < min {
		return 0, domain.ValidationError{Field: key, Reason: fmt.Sprintf("must be at least %d", min)}
	}
	return n, nil
}
