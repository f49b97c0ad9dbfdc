// check runs the code quality checks of the module: formatting, go.mod
// tidiness, vet, staticcheck and the tests.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

const modulePath = "github.com/vdavid/vmail/mailcore"

// CheckContext holds the context for running checks.
type CheckContext struct {
	CI      bool
	Verbose bool
	Short   bool
	RootDir string
}

// Check is the interface that all checks must implement.
type Check interface {
	Name() string
	Run(ctx *CheckContext) error
}

func main() {
	var (
		checkName = flag.String("check", "", "Run a single check by name")
		ciMode    = flag.Bool("ci", false, "Disable auto-fixing (for CI)")
		short     = flag.Bool("short", false, "Skip tests that need Docker")
		verbose   = flag.Bool("verbose", false, "Show detailed output")
	)
	flag.Usage = showUsage
	flag.Parse()

	rootDir, err := findRootDir()
	if err != nil {
		printError("Error: %v", err)
		os.Exit(1)
	}
	ctx := &CheckContext{CI: *ciMode, Verbose: *verbose, Short: *short, RootDir: rootDir}

	checks := allChecks()
	if *checkName != "" {
		check := checkByName(*checkName)
		if check == nil {
			printError("Error: Unknown check name: %s", *checkName)
			os.Exit(1)
		}
		checks = []Check{check}
	}

	start := time.Now()
	var failed []string
	for _, check := range checks {
		if err := runCheck(check, ctx); err != nil {
			failed = append(failed, check.Name())
		}
	}

	fmt.Println()
	if len(failed) > 0 {
		printError("%d check(s) failed: %s (%s)", len(failed), strings.Join(failed, ", "), formatDuration(time.Since(start)))
		os.Exit(1)
	}
	fmt.Printf("%sAll checks passed%s (%s)\n", colorGreen, colorReset, formatDuration(time.Since(start)))
}

func showUsage() {
	fmt.Println("Usage: go run ./scripts/check [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	names := make([]string, 0, len(allChecks()))
	for _, c := range allChecks() {
		names = append(names, c.Name())
	}
	fmt.Printf("Available check names: %s\n", strings.Join(names, ", "))
}

// runCheck runs a single check and displays the result.
func runCheck(check Check, ctx *CheckContext) error {
	fmt.Printf("  • %s... ", check.Name())
	start := time.Now()
	err := check.Run(ctx)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("%sFAILED%s (%s)\n", colorRed, colorReset, formatDuration(duration))
		if ctx.Verbose {
			fmt.Printf("      Error: %v\n", err)
		}
		return err
	}
	fmt.Printf("%sOK%s (%s)\n", colorGreen, colorReset, formatDuration(duration))
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func printError(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}

// findRootDir walks up to the go.mod that declares this module.
func findRootDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		content, err := os.ReadFile(filepath.Join(dir, "go.mod"))
		if err == nil && strings.Contains(string(content), "module "+modulePath+"\n") {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not find the module root (looking for go.mod of " + modulePath + ")")
		}
		dir = parent
	}
}
