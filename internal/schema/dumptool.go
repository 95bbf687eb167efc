package schema

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
)

// Section selects which part of the archive a dump or restore handles.
type Section string

const (
	SectionPreData  Section = "pre-data"
	SectionPostData Section = "post-data"
)

// DumpTool shells out to the pg_dump / pg_restore pair found on PATH.
type DumpTool struct {
	logger zerolog.Logger
}

// NewDumpTool creates a DumpTool.
func NewDumpTool(logger zerolog.Logger) *DumpTool {
	return &DumpTool{logger: logger.With().Str("component", "dumptool").Logger()}
}

// run executes a tool, surfacing the captured stderr on any non-zero exit.
func (d *DumpTool) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s failed: %s", name, stderr.String())
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if stderr.Len() > 0 {
		d.logger.Debug().Str("tool", name).Str("stderr", stderr.String()).Msg("tool chatter")
	}
	return out, nil
}

// Dump writes one archive section of the source into outPath using the
// custom format.
func (d *DumpTool) Dump(ctx context.Context, sourceDSN string, section Section, outPath string) error {
	d.logger.Info().Str("section", string(section)).Str("out", outPath).Msg("dumping schema section")
	_, err := d.run(ctx, "pg_dump",
		"--format", "custom",
		"--section", string(section),
		"--no-owner",
		"--file", outPath,
		sourceDSN)
	return err
}

// Restore applies an archive to the target. When listPath is non-empty the
// restore is filtered through --use-list; jobs drives pg_restore -j.
func (d *DumpTool) Restore(ctx context.Context, targetDSN, dumpPath string, jobs int, listPath string) error {
	args := []string{
		"--dbname", targetDSN,
		"--no-owner",
		"--exit-on-error",
	}
	if jobs > 1 {
		args = append(args, "--jobs", strconv.Itoa(jobs))
	}
	if listPath != "" {
		args = append(args, "--use-list", listPath)
	}
	args = append(args, dumpPath)

	d.logger.Info().Str("archive", dumpPath).Str("list", listPath).Msg("restoring schema section")
	_, err := d.run(ctx, "pg_restore", args...)
	return err
}

// ListArchive returns the pg_restore --list output for an archive.
func (d *DumpTool) ListArchive(ctx context.Context, dumpPath string) (string, error) {
	out, err := d.run(ctx, "pg_restore", "--list", dumpPath)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// WriteList materializes a filtered entry list for --use-list.
func (d *DumpTool) WriteList(path string, entries []ArchiveEntry) error {
	if err := os.WriteFile(path, []byte(FormatList(entries)), 0o644); err != nil {
		return fmt.Errorf("write restore list: %w", err)
	}
	return nil
}
