package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// guSetting names the server-wide GUC holding the UID-setter function
// template text (spec §4.7 "UID setter": "a configuration key names a SQL
// function with a ?uid? placeholder").
const guSetting = "event_manager.uid_setter_function"

// connUIDSetter implements dispatcher.UIDSetter by reading the function
// template from a Postgres GUC on every call, through the dispatch's own
// in-flight transaction. The template is expected to look like
// "my_schema.set_caller_uid(?uid?)".
type connUIDSetter struct{}

func (connUIDSetter) FunctionTemplate(ctx context.Context, tx pgx.Tx) (string, error) {
	var tmpl *string
	if err := tx.QueryRow(ctx, "SELECT current_setting($1, true)", guSetting).Scan(&tmpl); err != nil {
		return "", fmt.Errorf("read %s: %w", guSetting, err)
	}
	if tmpl == nil || *tmpl == "" {
		return "", fmt.Errorf("%s is not configured", guSetting)
	}
	return *tmpl, nil
}
