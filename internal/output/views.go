package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/core/profile"
)

const timeLayout = time.RFC3339

// FetchRecord is the serializable form of a fetch result.
type FetchRecord struct {
	RecipientID core.RecipientID `json:"recipient_id" yaml:"recipient_id"`
	Outcome     engine.Outcome   `json:"outcome" yaml:"outcome"`
	Attempts    int              `json:"attempts" yaml:"attempts"`
	Error       string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// FetchResultsView lists the outcome of each fetch.
func FetchResultsView(results []engine.Result) View {
	records := make([]FetchRecord, 0, len(results))
	rows := make([][]string, 0, len(results))
	changed := 0
	for _, result := range results {
		record := FetchRecord{
			RecipientID: result.RecipientID,
			Outcome:     result.Outcome,
			Attempts:    result.Attempts,
			Error:       result.ErrorMessage(),
		}
		if result.Outcome == engine.OutcomeChanged {
			changed++
		}
		records = append(records, record)
		rows = append(rows, []string{
			record.RecipientID.String(),
			string(record.Outcome),
			strconv.Itoa(record.Attempts),
			record.Error,
		})
	}

	return View{
		Title:  "Profile fetches",
		Header: []string{"Recipient", "Outcome", "Attempts", "Error"},
		Rows:   rows,
		Footer: fmt.Sprintf("%d fetched, %d changed", len(results), changed),
		Data:   records,
	}
}

// IdentitiesView lists trusted identity keys.
func IdentitiesView(records []core.IdentityRecord) View {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			record.RecipientID.String(),
			record.Fingerprint,
			record.Source,
			formatTime(record.UpdatedAt),
		})
	}
	if records == nil {
		records = []core.IdentityRecord{}
	}
	return View{
		Title:  "Identity keys",
		Header: []string{"Recipient", "Fingerprint", "Source", "Updated"},
		Rows:   rows,
		Data:   records,
	}
}

// IdentityView shows a single identity record.
func IdentityView(record core.IdentityRecord) View {
	return View{
		Title:  "Identity " + record.RecipientID.String(),
		Header: []string{"Field", "Value"},
		Rows: [][]string{
			{"recipient", record.RecipientID.String()},
			{"identity_key", record.Key},
			{"fingerprint", record.Fingerprint},
			{"source", record.Source},
			{"created", formatTime(record.CreatedAt)},
			{"updated", formatTime(record.UpdatedAt)},
		},
		Data: record,
	}
}

// HistoryView lists identity key changes for a recipient.
func HistoryView(recipientID core.RecipientID, changes []core.IdentityChange) View {
	rows := make([][]string, 0, len(changes))
	for _, change := range changes {
		rows = append(rows, []string{
			formatTime(change.ChangedAt),
			change.OldFingerprint,
			change.NewFingerprint,
		})
	}
	if changes == nil {
		changes = []core.IdentityChange{}
	}
	return View{
		Title:  "Identity history " + recipientID.String(),
		Header: []string{"Changed", "Old fingerprint", "New fingerprint"},
		Rows:   rows,
		Data:   changes,
	}
}

// ThreadsView lists threads and their recipients.
func ThreadsView(threads []core.Thread) View {
	rows := make([][]string, 0, len(threads))
	for _, thread := range threads {
		recipients := make([]string, len(thread.Recipients))
		for i, id := range thread.Recipients {
			recipients[i] = id.String()
		}
		rows = append(rows, []string{
			thread.ID,
			thread.Name,
			strings.Join(recipients, ", "),
			formatTime(thread.CreatedAt),
		})
	}
	if threads == nil {
		threads = []core.Thread{}
	}
	return View{
		Title:  "Threads",
		Header: []string{"ID", "Name", "Recipients", "Created"},
		Rows:   rows,
		Data:   threads,
	}
}

// SessionsView lists sessions for a recipient.
func SessionsView(sessions []core.Session) View {
	rows := make([][]string, 0, len(sessions))
	active := 0
	for _, session := range sessions {
		state := "active"
		archived := ""
		if session.Active() {
			active++
		} else {
			state = "archived"
			archived = formatTime(*session.ArchivedAt)
		}
		rows = append(rows, []string{
			strconv.FormatInt(session.ID, 10),
			session.RecipientID.String(),
			strconv.Itoa(session.DeviceID),
			state,
			formatTime(session.CreatedAt),
			archived,
		})
	}
	if sessions == nil {
		sessions = []core.Session{}
	}
	return View{
		Title:  "Sessions",
		Header: []string{"ID", "Recipient", "Device", "State", "Created", "Archived"},
		Rows:   rows,
		Footer: fmt.Sprintf("%d active", active),
		Data:   sessions,
	}
}

// AttemptsView lists recorded fetch attempts.
func AttemptsView(attempts []core.FetchAttempt) View {
	rows := make([][]string, 0, len(attempts))
	for _, attempt := range attempts {
		rows = append(rows, []string{
			attempt.RecipientID.String(),
			formatTime(attempt.AttemptedAt),
		})
	}
	if attempts == nil {
		attempts = []core.FetchAttempt{}
	}
	return View{
		Title:  "Fetch attempts",
		Header: []string{"Recipient", "Last attempt"},
		Rows:   rows,
		Data:   attempts,
	}
}

// HostBudgetsView lists the request budget of each profile service host.
// Limit reports the effective per-window budget of a host.
func HostBudgetsView(budgets []core.HostBudget, limit func(core.ServiceHost) int, now time.Time) View {
	rows := make([][]string, 0, len(budgets))
	for _, budget := range budgets {
		cooldown := ""
		if budget.CoolingDown(now) {
			cooldown = "until " + formatTime(*budget.CooldownUntil)
		}
		rows = append(rows, []string{
			budget.Host.String(),
			fmt.Sprintf("%d/%d", budget.Spent, limit(budget.Host)),
			formatTime(budget.WindowStart),
			fmt.Sprint(budget.Rejections),
			cooldown,
		})
	}
	if budgets == nil {
		budgets = []core.HostBudget{}
	}
	return View{
		Title:  "Profile service budgets",
		Header: []string{"Host", "Spent", "Window start", "429s", "Cooldown"},
		Rows:   rows,
		Data:   budgets,
	}
}

// KeyPairRecord is the serializable form of a generated key pair.
type KeyPairRecord struct {
	PublicKey   string `json:"public_key" yaml:"public_key"`
	PrivateKey  string `json:"private_key" yaml:"private_key"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// KeyPairView shows a generated identity key pair. The public key is
// encoded with its type byte, the way profile responses carry it.
func KeyPairView(pair *profile.KeyPair) View {
	record := KeyPairRecord{
		PublicKey:   profile.EncodeIdentityKey(pair.Public),
		PrivateKey:  core.IdentityKey(pair.Private).String(),
		Fingerprint: pair.Public.Fingerprint(),
	}
	return View{
		Title:  "Identity key pair",
		Header: []string{"Field", "Value"},
		Rows: [][]string{
			{"public_key", record.PublicKey},
			{"private_key", record.PrivateKey},
			{"fingerprint", record.Fingerprint},
		},
		Data: record,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
