package actions

import "log/slog"

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, logger *slog.Logger) error {
	all := make([]Action, 0, 16)

	all = append(all, CoreActions(logger)...)

	all = append(all,
		NewHTTPRequestAction(httpCfg),
		NewHTTPGetAction(httpCfg),
		NewHTTPPostAction(httpCfg),
	)

	all = append(all, AssertActions()...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
