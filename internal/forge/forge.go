// Package forge files escalated tickets as issues on the engineering
// team's GitHub tracker so humans pick them up in their normal queue.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/deskhand/deskhand/internal/config"
	"github.com/deskhand/deskhand/internal/store"
)

// Issue is the tracker-agnostic view of a filed escalation.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker files escalations on one GitHub repository.
type Tracker struct {
	client *gogithub.Client
	owner  string
	repo   string
	labels []string
	logger *slog.Logger
}

// NewTracker creates an escalation tracker from configuration. The
// httpClient may be nil; pass one to control timeouts or point tests at
// a fake server via baseURL.
func NewTracker(cfg config.TrackerConfig, httpClient *http.Client, baseURL string, logger *slog.Logger) (*Tracker, error) {
	owner, repo, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := gogithub.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("set tracker base url: %w", err)
		}
	}

	return &Tracker{
		client: client,
		owner:  owner,
		repo:   repo,
		labels: cfg.Labels,
		logger: logger,
	}, nil
}

// splitRepo splits an "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid tracker repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop low.
func (t *Tracker) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining > 0 && resp.Rate.Remaining < 100 {
		t.logger.Warn("tracker rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// FileEscalation opens a tracker issue for an escalated ticket. The
// issue body carries the summary the agent produced plus enough ticket
// context for an engineer to pick it up cold.
func (t *Tracker) FileEscalation(ctx context.Context, ticket *store.Ticket, issueSummary string) (*Issue, error) {
	title := fmt.Sprintf("[escalation] %s", firstLine(issueSummary))
	body := escalationBody(ticket, issueSummary)

	req := &gogithub.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &t.labels,
	}

	result, resp, err := t.client.Issues.Create(ctx, t.owner, t.repo, req)
	if err != nil {
		return nil, fmt.Errorf("create escalation issue: %w", err)
	}
	t.checkRateLimit(resp)

	issue := convertIssue(result)
	t.logger.Info("escalation filed",
		"ticket_id", ticket.TicketID,
		"issue", issue.Number,
		"url", issue.URL,
	)
	return issue, nil
}

// AddComment posts a follow-up comment on a filed escalation.
func (t *Tracker) AddComment(ctx context.Context, number int, body string) error {
	_, resp, err := t.client.Issues.CreateComment(ctx, t.owner, t.repo, number, &gogithub.IssueComment{
		Body: &body,
	})
	if err != nil {
		return fmt.Errorf("comment on issue %d: %w", number, err)
	}
	t.checkRateLimit(resp)
	return nil
}

// escalationBody renders the issue body for a ticket escalation.
func escalationBody(ticket *store.Ticket, issueSummary string) string {
	var sb strings.Builder
	sb.WriteString(issueSummary)
	sb.WriteString("\n\n---\n\n")
	sb.WriteString(fmt.Sprintf("- Ticket: `%s`\n", ticket.TicketID))
	sb.WriteString(fmt.Sprintf("- Customer: %s <%s>\n", ticket.CustomerName, ticket.CustomerEmail))
	if ticket.Subject != "" {
		sb.WriteString(fmt.Sprintf("- Subject: %s\n", ticket.Subject))
	}
	sb.WriteString(fmt.Sprintf("- Opened: %s\n", ticket.CreatedAt.Format(time.RFC3339)))
	return sb.String()
}

// firstLine truncates a summary to a title-sized first line.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxTitle = 120
	if len(s) > maxTitle {
		s = s[:maxTitle-3] + "..."
	}
	return s
}

func convertIssue(i *gogithub.Issue) *Issue {
	out := &Issue{
		Number:    i.GetNumber(),
		Title:     i.GetTitle(),
		Body:      i.GetBody(),
		State:     i.GetState(),
		URL:       i.GetHTMLURL(),
		CreatedAt: i.GetCreatedAt().Time,
	}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
