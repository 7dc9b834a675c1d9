package notify

import (
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/sde-tools/gdbmaint/pkg/models"
)

func TestSendRunReportDisabled(t *testing.T) {
	m := NewMailer(EmailConfig{Enabled: false})
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		t.Fatal("disabled mailer must not send")
		return nil
	}
	run := models.NewRun("host", []string{"cra"}, nil)
	if err := m.SendRunReport(run, "body"); err != nil {
		t.Fatalf("disabled send should be a no-op: %v", err)
	}
}

func TestSendRunReportMissingAddresses(t *testing.T) {
	m := NewMailer(EmailConfig{Enabled: true, SMTPHost: "mail.example.org"})
	run := models.NewRun("host", []string{"cra"}, nil)
	if err := m.SendRunReport(run, "body"); err == nil {
		t.Fatal("expected error when from/to are missing")
	}
}

func TestSendRunReportMessage(t *testing.T) {
	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  string
	)
	m := NewMailer(EmailConfig{
		Enabled:  true,
		SMTPHost: "mail.example.org",
		From:     "batch@example.org",
		To:       []string{"gis-ops@example.org"},
	})
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	run := models.NewRun("gisbatch01", []string{"cra", "report"}, []string{"BASE", "s50"})
	run.Status = models.RunStatusCompleted
	run.CompletedAt = run.StartedAt.Add(90 * time.Second)

	if err := m.SendRunReport(run, "compress: 12.5 seconds\nmain: 60.0 seconds"); err != nil {
		t.Fatalf("SendRunReport: %v", err)
	}

	if gotAddr != "mail.example.org:25" {
		t.Errorf("addr = %q", gotAddr)
	}
	if gotFrom != "batch@example.org" || len(gotTo) != 1 {
		t.Errorf("from/to = %q %v", gotFrom, gotTo)
	}
	for _, want := range []string{
		"Subject: Geodatabase maintenance report - BASE,s50 - completed",
		"Run " + run.ID + " on gisbatch01",
		"Modes: cra,report",
		"compress: 12.5 seconds",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q:\n%s", want, gotMsg)
		}
	}
	if !strings.Contains(gotMsg, "\r\n\r\n") {
		t.Error("message should separate headers from body with a blank line")
	}
}
