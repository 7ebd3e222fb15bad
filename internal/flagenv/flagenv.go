// Package flagenv fills unset command line flags from environment variables.
package flagenv

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// Prefix is prepended to the environment variable names used by orbtrace.
const Prefix = "ORBTRACE_"

// Apply sets every flag in fs that was not given on the command line from the
// variable prefix+NAME, where NAME is the flag name uppercased with dashes
// turned into underscores. Empty variables are ignored. Call it after fs has
// been parsed.
func Apply(fs *pflag.FlagSet, prefix string) error {
	var errs []string
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := EnvName(f.Name, prefix)
		v := os.Getenv(name)
		if v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("flagenv: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnvName returns the variable consulted for flag name.
func EnvName(name, prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
