package flagenv

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestApply(t *testing.T) {
	fs := pflag.NewFlagSet("flagenv-test", pflag.ContinueOnError)

	var format, channels, level string
	var baud uint32
	fs.StringVar(&format, "format", "off", "")
	fs.StringVar(&channels, "channels", "1-127", "")
	fs.StringVar(&level, "log-level", "info", "")
	fs.Uint32Var(&baud, "baudrate", 1000000, "")
	if err := fs.Parse([]string{"--format=swo-nrz", "--channels="}); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TEST_FORMAT", "parallel-4")
	t.Setenv("TEST_CHANNELS", "5")
	t.Setenv("TEST_LOG_LEVEL", "debug")
	t.Setenv("TEST_BAUDRATE", "")

	if err := Apply(fs, "TEST_"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if format != "swo-nrz" {
		t.Errorf("format = %q, want the command line value", format)
	}
	if channels != "" {
		t.Errorf("channels = %q, want the explicit empty value", channels)
	}
	if level != "debug" {
		t.Errorf("log-level = %q, want debug from the environment", level)
	}
	if baud != 1000000 {
		t.Errorf("baudrate = %d, want the default", baud)
	}
	if !fs.Lookup("log-level").Changed {
		t.Errorf("log-level not marked changed")
	}
}

func TestApply_BadValue(t *testing.T) {
	fs := pflag.NewFlagSet("flagenv-test", pflag.ContinueOnError)
	fs.Uint32("baudrate", 1000000, "")
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TEST_BAUDRATE", "fast")
	if err := Apply(fs, "TEST_"); err == nil {
		t.Errorf("Apply() accepted a non-numeric baudrate")
	}
}

func TestEnvName(t *testing.T) {
	if got, want := EnvName("fifo-depth", Prefix), "ORBTRACE_FIFO_DEPTH"; got != want {
		t.Errorf("EnvName() = %q, want %q", got, want)
	}
}
