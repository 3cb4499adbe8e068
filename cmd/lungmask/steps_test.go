package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/lungmask/internal/config"
	"github.com/mrsinham/lungmask/internal/dicom/dicomtest"
	"github.com/mrsinham/lungmask/internal/inference"
	"github.com/mrsinham/lungmask/internal/volume"
)

// testContext holds state for a single scenario
type testContext struct {
	tmpDir      string
	exitCode    int
	output      string
	engineCalls int
}

// stubEngine labels voxels below -400 HU as lung.
type stubEngine struct {
	tc *testContext
}

func (e *stubEngine) Segment(_ context.Context, v *volume.Volume) (*volume.LabelVolume, error) {
	e.tc.engineCalls++
	mask := volume.NewLabelVolume(v.Dims, v.Frame)
	for i, hu := range v.Voxels {
		if hu < -400 {
			mask.Labels[i] = 1
		}
	}
	return mask, nil
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &testContext{}

	sc.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "lungmask-e2e-*")
		if err != nil {
			return ctx, err
		}
		*tc = testContext{tmpDir: tmpDir}
		return ctx, nil
	})

	sc.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if tc.tmpDir != "" {
			os.RemoveAll(tc.tmpDir)
		}
		return ctx, nil
	})

	sc.Step(`^a CT series of (\d+) slices in "([^"]*)"$`, tc.aCTSeries)
	sc.Step(`^a CT volume file "([^"]*)"$`, tc.aCTVolumeFile)
	sc.Step(`^a file "([^"]*)" containing "([^"]*)"$`, tc.aFileContaining)
	sc.Step(`^a directory "([^"]*)"$`, tc.aDirectory)
	sc.Step(`^I run lungmask with "([^"]*)"$`, tc.iRunLungmaskWith)
	sc.Step(`^the exit code should be (\d+)$`, tc.theExitCodeShouldBe)
	sc.Step(`^the output should contain "([^"]*)"$`, tc.theOutputShouldContain)
	sc.Step(`^the output should not contain "([^"]*)"$`, tc.theOutputShouldNotContain)
	sc.Step(`^the engine should have run (\d+) times?$`, tc.theEngineShouldHaveRun)
	sc.Step(`^"([^"]*)" should exist$`, tc.shouldExist)
	sc.Step(`^"([^"]*)" should contain (\d+) DICOM files$`, tc.shouldContainDICOMFiles)
	sc.Step(`^"([^"]*)" should contain "([^"]*)"$`, tc.fileShouldContain)
	sc.Step(`^"([^"]*)" should not contain "([^"]*)"$`, tc.fileShouldNotContain)
	sc.Step(`^every file in "([^"]*)" should share one new series instance UID$`, tc.shouldShareNewSeriesUID)
	sc.Step(`^every file in "([^"]*)" should have window center "([^"]*)" and width "([^"]*)"$`, tc.shouldHaveWindow)
}

func (tc *testContext) path(p string) string {
	return strings.ReplaceAll(p, "{tmpdir}", tc.tmpDir)
}

func (tc *testContext) aCTSeries(n int, dir string) error {
	_, err := dicomtest.WriteCTSeries(dicomtest.SeriesOptions{
		Dir: tc.path(dir), Slices: n, Rows: 16, Cols: 16, Seed: 5,
		SeriesUID: "1.2.826.0.1.3680043.8.498.4242",
	})
	return err
}

func (tc *testContext) aCTVolumeFile(path string) error {
	v := volume.NewVolume(volume.Dims{Cols: 4, Rows: 4, Slices: 2}, volume.IdentityFrame())
	for i := range v.Voxels {
		v.Voxels[i] = float32(-900 + 100*(i%4))
	}
	return volume.WriteNIfTIVolume(tc.path(path), v)
}

func (tc *testContext) aFileContaining(path, content string) error {
	return os.WriteFile(tc.path(path), []byte(content), 0o644)
}

func (tc *testContext) aDirectory(path string) error {
	return os.MkdirAll(tc.path(path), 0o755)
}

func (tc *testContext) iRunLungmaskWith(args string) error {
	argList := splitArgs(tc.path(args))

	newEngine := func(cfg *config.Config, stderr io.Writer, logger *slog.Logger) (inference.Engine, error) {
		return &stubEngine{tc: tc}, nil
	}
	var output bytes.Buffer
	tc.exitCode = run(context.Background(), argList, &output, &output, newEngine)
	tc.output = output.String()
	return nil
}

func (tc *testContext) theExitCodeShouldBe(expected int) error {
	if tc.exitCode != expected {
		return fmt.Errorf("expected exit code %d, got %d\nOutput:\n%s", expected, tc.exitCode, tc.output)
	}
	return nil
}

func (tc *testContext) theOutputShouldContain(expected string) error {
	if !strings.Contains(tc.output, expected) {
		return fmt.Errorf("output does not contain %q\nOutput:\n%s", expected, tc.output)
	}
	return nil
}

func (tc *testContext) theOutputShouldNotContain(unexpected string) error {
	if strings.Contains(tc.output, unexpected) {
		return fmt.Errorf("output contains %q\nOutput:\n%s", unexpected, tc.output)
	}
	return nil
}

func (tc *testContext) theEngineShouldHaveRun(n int) error {
	if tc.engineCalls != n {
		return fmt.Errorf("engine ran %d times, want %d", tc.engineCalls, n)
	}
	return nil
}

func (tc *testContext) shouldExist(path string) error {
	if _, err := os.Stat(tc.path(path)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (tc *testContext) shouldContainDICOMFiles(dir string, count int) error {
	files, err := filepath.Glob(filepath.Join(tc.path(dir), "*.dcm"))
	if err != nil {
		return err
	}
	if len(files) != count {
		return fmt.Errorf("expected %d DICOM files, found %d", count, len(files))
	}
	return nil
}

// readText returns the raw file content. NRRD headers are plain text ahead of the gzip payload.
func (tc *testContext) readText(path string) (string, error) {
	data, err := os.ReadFile(tc.path(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (tc *testContext) fileShouldContain(path, expected string) error {
	text, err := tc.readText(path)
	if err != nil {
		return err
	}
	if !strings.Contains(text, expected) {
		return fmt.Errorf("%s does not contain %q", path, expected)
	}
	return nil
}

func (tc *testContext) fileShouldNotContain(path, unexpected string) error {
	text, err := tc.readText(path)
	if err != nil {
		return err
	}
	if strings.Contains(text, unexpected) {
		return fmt.Errorf("%s contains %q", path, unexpected)
	}
	return nil
}

func (tc *testContext) datasets(dir string) ([]dicom.Dataset, error) {
	files, err := filepath.Glob(filepath.Join(tc.path(dir), "*.dcm"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no DICOM files in %s", dir)
	}
	out := make([]dicom.Dataset, 0, len(files))
	for _, f := range files {
		ds, err := dicom.ParseFile(f, nil)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		out = append(out, ds)
	}
	return out, nil
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	v, ok := elem.Value.GetValue().([]string)
	if !ok || len(v) == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(v[0]), "\x00")
}

func (tc *testContext) shouldShareNewSeriesUID(dir string) error {
	sets, err := tc.datasets(dir)
	if err != nil {
		return err
	}
	series := firstString(sets[0], tag.SeriesInstanceUID)
	if series == "" || series == "1.2.826.0.1.3680043.8.498.4242" {
		return fmt.Errorf("series instance UID %q is not new", series)
	}
	sops := map[string]bool{}
	for _, ds := range sets {
		if got := firstString(ds, tag.SeriesInstanceUID); got != series {
			return fmt.Errorf("series instance UIDs differ: %s and %s", series, got)
		}
		sop := firstString(ds, tag.SOPInstanceUID)
		if sops[sop] {
			return fmt.Errorf("duplicate SOP instance UID %s", sop)
		}
		sops[sop] = true
	}
	return nil
}

func (tc *testContext) shouldHaveWindow(dir, center, width string) error {
	sets, err := tc.datasets(dir)
	if err != nil {
		return err
	}
	for _, ds := range sets {
		if c, w := firstString(ds, tag.WindowCenter), firstString(ds, tag.WindowWidth); c != center || w != width {
			return fmt.Errorf("window %s/%s, want %s/%s", c, w, center, width)
		}
	}
	return nil
}

// splitArgs splits a command line on spaces, keeping single-quoted parts together.
func splitArgs(s string) []string {
	var args []string
	var current strings.Builder
	inQuote := false

	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		args = append(args, current.String())
	}
	return args
}
