// Package scanner runs a vulnerability scanner over cached package
// trees and normalizes its findings into severity counts.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/pkgport/pkgport/pkg/contracts"
)

// ErrScannerFailed marks a scan run that produced no usable result:
// the tool could not start, timed out, or emitted output the
// normalizer cannot read. The scan stage treats it as transient.
var ErrScannerFailed = errors.New("scanner failed")

// Report is a normalized scan outcome.
type Report struct {
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
	InfoCount     int
	SecurityScore int
	RawResult     json.RawMessage
	DurationMS    int64
	ToolVersion   string
}

// Scanner runs one scan over an extracted package tree.
type Scanner interface {
	Scan(ctx context.Context, dir string) (*Report, error)
}

// ExecScanner shells out to an external tool (osv-scanner by default)
// and normalizes its JSON output.
type ExecScanner struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecScanner builds a scanner from a command line such as
// "osv-scanner --format json". The scanned directory is appended as
// the final argument.
func NewExecScanner(command string, timeout time.Duration, logger *slog.Logger) (*ExecScanner, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("scanner command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecScanner{command: parts, timeout: timeout, logger: logger}, nil
}

// Scan runs the tool against dir with a bounded timeout.
func (s *ExecScanner) Scan(ctx context.Context, dir string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := append(append([]string{}, s.command[1:]...), dir)
	cmd := exec.CommandContext(ctx, s.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	// osv-scanner exits 1 when it finds vulnerabilities; only treat a
	// run with unreadable output as failed.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrScannerFailed, ctx.Err())
	}
	if err != nil && stdout.Len() == 0 {
		s.logger.Warn("scanner produced no output",
			"error", err, "stderr", stderr.String())
		return nil, fmt.Errorf("%w: %v", ErrScannerFailed, err)
	}

	report, normErr := Normalize(stdout.Bytes())
	if normErr != nil {
		return nil, normErr
	}
	report.DurationMS = elapsed.Milliseconds()
	return report, nil
}

// osvOutput is the subset of osv-scanner's JSON report the normalizer
// reads.
type osvOutput struct {
	Results []struct {
		Packages []struct {
			Vulnerabilities []osvVulnerability `json:"vulnerabilities"`
		} `json:"packages"`
	} `json:"results"`
	Version string `json:"version,omitempty"`
}

type osvVulnerability struct {
	ID               string `json:"id"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
	Severity []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
}

// Normalize converts raw scanner JSON into severity counts and a
// derived security score. An empty output means a clean scan.
func Normalize(raw []byte) (*Report, error) {
	report := &Report{RawResult: bytes.TrimSpace(raw)}
	if len(report.RawResult) == 0 {
		report.RawResult = json.RawMessage(`{}`)
		report.SecurityScore = contracts.SecurityScore(0, 0, 0, 0)
		return report, nil
	}

	var out osvOutput
	if err := json.Unmarshal(report.RawResult, &out); err != nil {
		return nil, fmt.Errorf("%w: unreadable output: %v", ErrScannerFailed, err)
	}
	report.ToolVersion = out.Version

	for _, result := range out.Results {
		for _, pkg := range result.Packages {
			for _, vuln := range pkg.Vulnerabilities {
				switch severityOf(vuln) {
				case "CRITICAL":
					report.CriticalCount++
				case "HIGH":
					report.HighCount++
				case "MEDIUM", "MODERATE":
					report.MediumCount++
				case "LOW":
					report.LowCount++
				default:
					report.InfoCount++
				}
			}
		}
	}
	report.SecurityScore = contracts.SecurityScore(
		report.CriticalCount, report.HighCount, report.MediumCount, report.LowCount)
	return report, nil
}

// severityOf picks the vulnerability's severity label, preferring the
// database's own rating and falling back to the CVSS score band.
func severityOf(v osvVulnerability) string {
	if s := strings.ToUpper(strings.TrimSpace(v.DatabaseSpecific.Severity)); s != "" {
		return s
	}
	for _, sev := range v.Severity {
		if band := cvssBand(sev.Score); band != "" {
			return band
		}
	}
	return ""
}

// cvssBand maps a CVSS vector or numeric score string onto the
// standard severity bands.
func cvssBand(score string) string {
	var value float64
	if _, err := fmt.Sscanf(score, "%f", &value); err != nil {
		return ""
	}
	switch {
	case value >= 9.0:
		return "CRITICAL"
	case value >= 7.0:
		return "HIGH"
	case value >= 4.0:
		return "MEDIUM"
	case value > 0:
		return "LOW"
	default:
		return ""
	}
}
