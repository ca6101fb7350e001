package features

import (
	"flag"
	"os"
	"testing"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"

	"taskguide/features/steps"
)

var opts = godog.Options{
	Output: colors.Colored(os.Stdout),
	Format: "pretty",
	Paths:  []string{"."},
	Strict: true,
}

func init() {
	godog.BindCommandLineFlags("godog.", &opts)
}

// TestMain runs the Godog suite. Everything is in-process: the scenarios
// drive a Manager over an in-memory store, no external services needed.
func TestMain(m *testing.M) {
	flag.Parse()
	if args := flag.Args(); len(args) > 0 {
		opts.Paths = args
	}

	status := godog.TestSuite{
		Name:                "taskguide",
		ScenarioInitializer: InitializeScenario,
		Options:             &opts,
	}.Run()

	if st := m.Run(); st > status {
		status = st
	}
	os.Exit(status)
}

// InitializeScenario registers step definitions; each scenario gets its own
// isolated context.
func InitializeScenario(ctx *godog.ScenarioContext) {
	steps.NewSessionContext().Register(ctx)
}
