package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"suasflow/internal/domain"
	"suasflow/internal/repo"
)

type executionsBody struct {
	Body ExecutionListResponse `json:"body"`
}

func registerRules(api huma.API, cfg Config) {
	a := cfg.Automation

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/automation/rules",
		Summary:     "List automation rules",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IncludeInactive bool `query:"include_inactive"`
	}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		rules, err := a.ListRules(ctx, scope, input.IncludeInactive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleListResponse `json:"body"`
		}{Body: RuleListResponse{Items: nonNilRules(rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-rules",
		Method:      http.MethodPost,
		Path:        "/automation/rules/seed",
		Summary:     "Insert the catalog rules missing from the caller scope",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SeedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.Seed(ctx, scope, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SeedResponse `json:"body"`
		}{Body: SeedResponse{Inserted: res.Inserted, Items: nonNilRules(res.Rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/automation/rules/{id}",
		Summary:     "Update rule activation, frequency or params",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := a.UpdateRule(ctx, scope, input.ID, rulePatch(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rule-executions",
		Method:      http.MethodGet,
		Path:        "/automation/rules/{id}/executions",
		Summary:     "Execution history of a rule, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit"`
	}) (*executionsBody, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		execs, err := a.ListExecutions(ctx, scope, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &executionsBody{Body: ExecutionListResponse{Items: nonNilExecutions(execs)}}, nil
	})
}

func registerExecute(api huma.API, cfg Config) {
	a := cfg.Automation

	huma.Register(api, huma.Operation{
		OperationID: "execute-rules",
		Method:      http.MethodPost,
		Path:        "/automation/execute",
		Summary:     "Run rules now, optionally as a dry run",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ExecuteRequest `json:"body" required:"false"`
	}) (*executionsBody, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		execs, err := a.ExecuteAll(ctx, scope, input.Body.DryRun, input.Body.RuleIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionsBody{Body: ExecutionListResponse{Items: nonNilExecutions(execs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-due-rules",
		Method:      http.MethodPost,
		Path:        "/automation/execute-due",
		Summary:     "Run the rules whose frequency has elapsed",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*executionsBody, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		execs, err := a.ExecuteDue(ctx, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionsBody{Body: ExecutionListResponse{Items: nonNilExecutions(execs)}}, nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Tasks created by automation rules",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RuleKey    string `query:"rule_key"`
		EntityType string `query:"entity_type"`
		Status     string `query:"status"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		scope, authErr := scopeFromContext(ctx, cfg.MunicipalityID)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := cfg.Repo.ListTasks(ctx, repo.TaskFilters{
			Scope:      scope,
			RuleKey:    input.RuleKey,
			EntityType: input.EntityType,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: tasks}}, nil
	})
}

func nonNilExecutions(items []domain.RuleExecution) []domain.RuleExecution {
	if items == nil {
		return []domain.RuleExecution{}
	}
	return items
}
