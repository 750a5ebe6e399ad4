package app

import (
	"fmt"
	"io"

	"signal-engine/internal/definitions"
)

// Validate compiles every definition under dir without storing anything and prints one
// line per problem.
func (a *App) Validate(out io.Writer, dir string) error {
	if dir == "" {
		dir = a.Config.Definitions.Dir
	}
	files, err := definitions.LoadDir(dir)
	if err != nil {
		return err
	}
	errs := definitions.Validate(files)
	for _, err := range errs {
		fmt.Fprintf(out, "invalid: %v\n", err)
	}
	triggers, scoreTypes := 0, 0
	for _, f := range files {
		triggers += len(f.Triggers)
		scoreTypes += len(f.ScoreTypes)
	}
	fmt.Fprintf(out, "%d file(s), %d trigger(s), %d score type(s), %d error(s)\n", len(files), triggers, scoreTypes, len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("%d invalid definition(s) in %s", len(errs), dir)
	}
	return nil
}
