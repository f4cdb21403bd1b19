package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	apperrors "github.com/keywatch/keywatch/internal/errors"
	"github.com/keywatch/keywatch/internal/output"
)

var (
	healthURL     string
	healthProbe   string
	healthTimeout time.Duration
)

// HealthRecord is the parsed result of a server health probe.
type HealthRecord struct {
	URL    string            `json:"url" yaml:"url"`
	Status string            `json:"status" yaml:"status"`
	Code   int               `json:"http_status" yaml:"http_status"`
	Checks map[string]string `json:"checks,omitempty" yaml:"checks,omitempty"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running server",
	Long: `Query the health endpoint of a running keywatch server.

Exits non-zero when the server is unreachable or reports unhealthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target := strings.TrimSpace(healthURL)
		if target == "" {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			target = "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		}

		record, err := probeServer(cmd.Context(), http.DefaultClient, target, healthProbe, healthTimeout)
		if err != nil {
			return err
		}

		if err := writeView(cmd, healthView(record)); err != nil {
			return err
		}
		if record.Code != http.StatusOK {
			return apperrors.NewExternalServiceError(fmt.Sprintf("server reported %s", record.Status))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthURL, "url", "", "server base URL (default from server.host/server.port)")
	healthCmd.Flags().StringVar(&healthProbe, "probe", "", "probe to query: live|ready|startup (default full health)")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "request timeout")
	addOutputFlags(healthCmd)
}

func probeServer(ctx context.Context, client *http.Client, baseURL, probe string, timeout time.Duration) (*HealthRecord, error) {
	path := "/health"
	switch strings.ToLower(strings.TrimSpace(probe)) {
	case "":
	case "live", "ready", "startup":
		path += "/" + strings.ToLower(strings.TrimSpace(probe))
	default:
		return nil, apperrors.NewInvalidInputError("unknown probe: " + probe)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperrors.WrapInvalidInput(ctx, err, "invalid server URL")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.WrapExternalService(ctx, err, "server unreachable")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.WrapExternalService(ctx, err, "failed to read health response")
	}

	return parseHealthBody(target, resp.StatusCode, body), nil
}

// parseHealthBody accepts both the health payload and the error envelope
// returned by failing probes.
func parseHealthBody(target string, code int, body []byte) *HealthRecord {
	record := &HealthRecord{URL: target, Code: code, Status: "unknown"}
	if !gjson.ValidBytes(body) {
		return record
	}

	doc := gjson.ParseBytes(body)
	if status := doc.Get("status"); status.Exists() {
		record.Status = status.String()
	} else if status := doc.Get("error.details.status"); status.Exists() {
		record.Status = status.String()
	}

	checks := doc.Get("checks")
	if !checks.Exists() {
		checks = doc.Get("error.details.checks")
	}
	if checks.IsObject() {
		record.Checks = make(map[string]string)
		checks.ForEach(func(key, value gjson.Result) bool {
			record.Checks[key.String()] = value.String()
			return true
		})
	}
	return record
}

func healthView(record *HealthRecord) output.View {
	names := make([]string, 0, len(record.Checks))
	for name := range record.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, record.Checks[name]})
	}

	return output.View{
		Title:  "Server Health",
		Header: []string{"Check", "Result"},
		Rows:   rows,
		Footer: fmt.Sprintf("status: %s (%d)", record.Status, record.Code),
		Data:   record,
	}
}
