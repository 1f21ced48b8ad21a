package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net/smtp"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// playSound shells out to an external audio player with the Index-th
// file of the configured directory.
func playSound(ctx context.Context, cfg SoundConfig) error {
	if strings.TrimSpace(cfg.Player) == "" {
		return fmt.Errorf("sound player not configured")
	}
	path, err := soundFile(cfg.Dir, cfg.Index)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, cfg.Player, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w (%s)", cfg.Player, path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func soundFile(dir string, index int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("sound dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("sound dir %s is empty", dir)
	}
	sort.Strings(files)
	if index < 0 || index >= len(files) {
		index = 0
	}
	return filepath.Join(dir, files[index]), nil
}

// sendEmail delivers the failure notice over SMTP with implicit TLS
// (port 465 style).
func sendEmail(ctx context.Context, cfg EmailConfig, a Alert) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	d := tls.Dialer{Config: &tls.Config{ServerName: cfg.Host}}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	for _, rcpt := range strings.Split(cfg.To, ";") {
		rcpt = strings.TrimSpace(rcpt)
		if rcpt == "" {
			continue
		}
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(emailBody(cfg, a)); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return client.Quit()
}

func emailBody(cfg EmailConfig, a Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", cfg.To)
	fmt.Fprintf(&b, "Subject: Scheduled send failed (task %s)\r\n", a.TaskID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")

	esc := html.EscapeString
	fmt.Fprintf(&b, `<html><body>
<h3>A scheduled message failed to send</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><td>Task</td><td>%s</td></tr>
<tr><td>Scheduled time</td><td>%s</td></tr>
<tr><td>Sender</td><td>%s</td></tr>
<tr><td>Recipient</td><td>%s</td></tr>
<tr><td>Content</td><td>%s</td></tr>
<tr><td>Reason</td><td>%s</td></tr>
</table>
</body></html>`,
		esc(a.TaskID),
		esc(a.At.Format("2006-01-02 15:04:05")),
		esc(a.Sender),
		esc(a.Receiver),
		esc(a.Content),
		esc(a.Reason))
	return []byte(b.String())
}
