package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

func allChecks() []Check {
	return []Check{
		&GofmtCheck{},
		&GoModTidyCheck{},
		&GoVetCheck{},
		&StaticcheckCheck{},
		&TestsCheck{},
	}
}

func checkByName(name string) Check {
	for _, c := range allChecks() {
		if strings.EqualFold(c.Name(), name) || strings.EqualFold(strings.ReplaceAll(c.Name(), " ", "-"), name) {
			return c
		}
	}
	return nil
}

// GofmtCheck checks formatting. Outside CI it rewrites the files.
type GofmtCheck struct{}

func (c *GofmtCheck) Name() string { return "gofmt" }

func (c *GofmtCheck) Run(ctx *CheckContext) error {
	output, _ := runCommand(ctx, "gofmt", "-s", "-l", "cmd", "internal", "migrations", "scripts")
	files := strings.Fields(output)
	if len(files) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println("    Files not formatted:")
	for _, f := range files {
		fmt.Printf("      %s\n", f)
	}
	if ctx.CI {
		return fmt.Errorf("%d files need formatting", len(files))
	}
	if _, err := runCommand(ctx, "gofmt", append([]string{"-s", "-w"}, files...)...); err != nil {
		return fmt.Errorf("failed to run gofmt -w: %w", err)
	}
	fmt.Printf("    %sFixed%s ", colorYellow, colorReset)
	return nil
}

// GoModTidyCheck fails when go.mod or go.sum is out of date.
type GoModTidyCheck struct{}

func (c *GoModTidyCheck) Name() string { return "go mod tidy" }

func (c *GoModTidyCheck) Run(ctx *CheckContext) error {
	if !ctx.CI {
		output, err := runCommand(ctx, "go", "mod", "tidy")
		if err != nil {
			return fmt.Errorf("go mod tidy failed: %w\n%s", err, output)
		}
		return nil
	}
	output, err := runCommand(ctx, "go", "mod", "tidy", "-diff")
	if err != nil {
		return fmt.Errorf("go.mod is not tidy:\n%s", output)
	}
	return nil
}

type GoVetCheck struct{}

func (c *GoVetCheck) Name() string { return "go vet" }

func (c *GoVetCheck) Run(ctx *CheckContext) error {
	if output, err := runCommand(ctx, "go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet found issues:\n%s", output)
	}
	return nil
}

// StaticcheckCheck runs staticcheck through go run, so nothing needs installing.
type StaticcheckCheck struct{}

func (c *StaticcheckCheck) Name() string { return "staticcheck" }

func (c *StaticcheckCheck) Run(ctx *CheckContext) error {
	if output, err := runCommand(ctx, "go", "run", "honnef.co/go/tools/cmd/staticcheck@latest", "./..."); err != nil {
		return fmt.Errorf("staticcheck found issues:\n%s", output)
	}
	return nil
}

// TestsCheck runs the tests with the race detector. Postgres tests start a
// container, so -short skips them.
type TestsCheck struct{}

func (c *TestsCheck) Name() string { return "tests" }

func (c *TestsCheck) Run(ctx *CheckContext) error {
	args := []string{"test", "-race", "./..."}
	if ctx.Short {
		args = append(args, "-short")
	}
	output, err := runCommand(ctx, "go", args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("tests failed:\n%s", output)
		}
		return err
	}
	if ctx.Verbose {
		fmt.Println()
		fmt.Print(output)
	}
	return nil
}

// runCommand runs name in the module root and returns combined output.
func runCommand(ctx *CheckContext, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = ctx.RootDir
	cmd.Env = append(os.Environ(), "GOTOOLCHAIN=auto")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
