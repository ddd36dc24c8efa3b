package flow

import (
	"fmt"
	"net/url"
	"strings"
)

// Content holds the branding links and option tables the flows present to users.
type Content struct {
	BrandName      string   `yaml:"brand_name"`
	CardBaseURL    string   `yaml:"card_base_url"`
	DashboardURL   string   `yaml:"dashboard_url"`
	QueueDashURL   string   `yaml:"queue_dashboard_url"`
	MeetingURL     string   `yaml:"meeting_url"`
	EduOverviewURL string   `yaml:"edu_overview_url"`
	EduStampURL    string   `yaml:"edu_stamp_url"`
	CurrencySymbol string   `yaml:"currency_symbol"`
	Categories     []string `yaml:"budget_categories"`
	MaxStamps      int      `yaml:"max_stamps"`
}

// DefaultContent returns the built-in links and tables.
func DefaultContent() Content {
	return Content{
		BrandName:      "The Potential Company",
		CardBaseURL:    "https://tpc-demo-dashboard.pages.dev",
		DashboardURL:   "https://tpc-demo-dashboard.pages.dev/demo-dashboard",
		QueueDashURL:   "https://tpc-demo-dashboard.pages.dev/qmunity",
		MeetingURL:     "https://calendly.com/thepotentialcompany/meta-loyalty-demo",
		EduOverviewURL: "https://youtu.be/nX5SfBdnHHU",
		EduStampURL:    "https://youtu.be/px87QNYduwI",
		CurrencySymbol: "R",
		Categories:     []string{"Groceries", "Transport", "Eating out", "Bills", "Other"},
		MaxStamps:      10,
	}
}

// CardURL returns the stamp card image for stamps, capped at a full card.
func (c Content) CardURL(stamps int) string {
	stamps = min(max(stamps, 0), c.MaxStamps)
	return fmt.Sprintf("%s/card?stamps=%d", strings.TrimRight(c.CardBaseURL, "/"), stamps)
}

// ShareLink returns a wa.me link that opens a chat with DEMO pre-filled.
func (c Content) ShareLink(number string) string {
	return "https://wa.me/" + number + "?text=DEMO"
}

// QueueDashboardLink returns the public dashboard for a queue location.
func (c Content) QueueDashboardLink(slug string) string {
	return c.QueueDashURL + "?location=" + url.QueryEscape(slug)
}
