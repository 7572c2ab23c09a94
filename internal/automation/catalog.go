package automation

// Built-in rule keys.
const (
	KeyCaseIdle           = "caso_sem_movimentacao"
	KeyReferralNoFeedback = "encaminhamento_sem_devolutiva"
	KeyReferralAtRisk     = "encaminhamento_risco_prazo"
	KeyCadUnicoPending    = "cadunico_pendente"
	KeySCFVDropout        = "scfv_evasao"
)

// Entity types tasks point at.
const (
	EntityCase            = "case"
	EntityReferral        = "referral"
	EntityPreRegistration = "cadunico_preregistration"
	EntitySCFVParticipant = "scfv_participant"
)

const DefaultFrequencyMinutes = 1440

// Definition describes a built-in rule and the defaults it is seeded with.
type Definition struct {
	Key              string         `json:"key"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	EntityType       string         `json:"entity_type"`
	FrequencyMinutes int            `json:"frequency_minutes"`
	Defaults         map[string]any `json:"defaults"`
}

var catalog = []Definition{
	{
		Key:              KeyCaseIdle,
		Title:            "Caso sem movimentação",
		Description:      "Cria tarefa de acompanhamento para casos abertos sem movimentação há dias_sem_mov dias.",
		EntityType:       EntityCase,
		FrequencyMinutes: DefaultFrequencyMinutes,
		Defaults:         map[string]any{ParamDiasSemMov: 7, ParamPrazoDias: 2, ParamPrioridade: "alta"},
	},
	{
		Key:              KeyReferralNoFeedback,
		Title:            "Encaminhamento sem devolutiva",
		Description:      "Cobra a devolutiva de encaminhamentos com prazo vencido.",
		EntityType:       EntityReferral,
		FrequencyMinutes: DefaultFrequencyMinutes,
		Defaults:         map[string]any{ParamPrazoDias: 2, ParamPrioridade: "alta"},
	},
	{
		Key:              KeyReferralAtRisk,
		Title:            "Encaminhamento com prazo em risco",
		Description:      "Alerta encaminhamentos cujo prazo vence nas próximas janela_horas horas.",
		EntityType:       EntityReferral,
		FrequencyMinutes: DefaultFrequencyMinutes,
		Defaults:         map[string]any{ParamJanelaHoras: 48, ParamPrazoDias: 1, ParamPrioridade: "media"},
	},
	{
		Key:              KeyCadUnicoPending,
		Title:            "Pré-cadastro CadÚnico pendente",
		Description:      "Pré-cadastros do CadÚnico pendentes há mais de limite_dias dias.",
		EntityType:       EntityPreRegistration,
		FrequencyMinutes: DefaultFrequencyMinutes,
		Defaults:         map[string]any{ParamLimiteDias: 30, ParamPrazoDias: 5, ParamPrioridade: "media"},
	},
	{
		Key:              KeySCFVDropout,
		Title:            "Evasão no SCFV",
		Description:      "Participantes ativos do SCFV sem frequência registrada há limite_dias dias.",
		EntityType:       EntitySCFVParticipant,
		FrequencyMinutes: DefaultFrequencyMinutes,
		Defaults:         map[string]any{ParamLimiteDias: 30, ParamPrazoDias: 5, ParamPrioridade: "media"},
	},
}

// Catalog returns the built-in rule definitions in seed order.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	for i, d := range catalog {
		d.Defaults = copyBag(d.Defaults)
		out[i] = d
	}
	return out
}

func Lookup(key string) (Definition, bool) {
	for _, d := range catalog {
		if d.Key == key {
			d.Defaults = copyBag(d.Defaults)
			return d, true
		}
	}
	return Definition{}, false
}

func copyBag(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
