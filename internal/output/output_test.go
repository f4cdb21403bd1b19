package output

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/core/profile"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("yml")
	require.NoError(t, err)
	require.Equal(t, FormatYAML, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleResults() []engine.Result {
	return []engine.Result{
		{RecipientID: "+15550001", Outcome: engine.OutcomeChanged, Attempts: 1},
		{RecipientID: "+15550002", Outcome: engine.OutcomeTransportFailed, Attempts: 3, Err: errors.New("connection refused")},
	}
}

func TestFetchResultsJSON(t *testing.T) {
	rendered, err := Render(FormatJSON, FetchResultsView(sampleResults()))
	require.NoError(t, err)

	var records []FetchRecord
	require.NoError(t, json.Unmarshal([]byte(rendered), &records))
	require.Len(t, records, 2)
	assert.Equal(t, engine.OutcomeChanged, records[0].Outcome)
	assert.Empty(t, records[0].Error)
	assert.Equal(t, "connection refused", records[1].Error)
	assert.Equal(t, 3, records[1].Attempts)
}

func TestFetchResultsYAML(t *testing.T) {
	rendered, err := Render(FormatYAML, FetchResultsView(sampleResults()))
	require.NoError(t, err)
	assert.Contains(t, rendered, "outcome: transport_failed")

	var records []FetchRecord
	require.NoError(t, yaml.Unmarshal([]byte(rendered), &records))
	assert.Len(t, records, 2)
}

func TestFetchResultsTable(t *testing.T) {
	rendered, err := Render(FormatTable, FetchResultsView(sampleResults()))
	require.NoError(t, err)
	assert.Contains(t, rendered, "+15550001")
	assert.Contains(t, rendered, "transport_failed")
	assert.Contains(t, strings.ToLower(rendered), "2 fetched, 1 changed")
}

func TestMarkdownEscaping(t *testing.T) {
	view := View{
		Title:  "Threads",
		Header: []string{"ID", "Name"},
		Rows:   [][]string{{"t1", "left|right"}},
	}

	rendered, err := Render(FormatMarkdown, view)
	require.NoError(t, err)
	assert.Contains(t, rendered, "## Threads")
	assert.Contains(t, rendered, "| ID | Name |")
	assert.Contains(t, rendered, "left\\|right")
}

func TestEmptyListsEncodeAsArrays(t *testing.T) {
	rendered, err := Render(FormatJSON, IdentitiesView(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", rendered)

	rendered, err = Render(FormatTable, ThreadsView(nil))
	require.NoError(t, err)
	assert.Contains(t, rendered, "(none)")
}

func TestSessionsViewMarksArchived(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	archived := created.Add(time.Hour)
	view := SessionsView([]core.Session{
		{ID: 1, RecipientID: "+15550001", DeviceID: 1, CreatedAt: created},
		{ID: 2, RecipientID: "+15550001", DeviceID: 2, CreatedAt: created, ArchivedAt: &archived},
	})

	require.Len(t, view.Rows, 2)
	assert.Equal(t, "active", view.Rows[0][3])
	assert.Equal(t, "archived", view.Rows[1][3])
	assert.Equal(t, "2026-01-02T04:04:05Z", view.Rows[1][5])
	assert.Equal(t, "1 active", view.Footer)
}

func TestHostBudgetsView(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	until := now.Add(30 * time.Second)
	lifted := now.Add(-time.Second)
	view := HostBudgetsView([]core.HostBudget{
		{Host: "a.example", Spent: 3, WindowStart: now, Rejections: 1, CooldownUntil: &until},
		{Host: "b.example", Spent: 1, WindowStart: now, CooldownUntil: &lifted},
	}, func(core.ServiceHost) int { return 60 }, now)

	require.Len(t, view.Rows, 2)
	assert.Equal(t, "3/60", view.Rows[0][1])
	assert.Equal(t, "1", view.Rows[0][3])
	assert.Equal(t, "until 2026-01-02T03:04:35Z", view.Rows[0][4])
	assert.Empty(t, view.Rows[1][4])

	rendered, err := Render(FormatJSON, HostBudgetsView(nil, func(core.ServiceHost) int { return 1 }, now))
	require.NoError(t, err)
	assert.Equal(t, "[]", rendered)
}

func TestKeyPairViewUsesTypedPublicKey(t *testing.T) {
	pair, err := profile.GenerateIdentityKey()
	require.NoError(t, err)

	view := KeyPairView(pair)
	record, ok := view.Data.(KeyPairRecord)
	require.True(t, ok)

	parsed, err := profile.ParseIdentityKey(record.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, pair.Public, parsed)
	assert.Equal(t, pair.Public.Fingerprint(), record.Fingerprint)
}
