package notify

import (
	"fmt"
	"strings"

	"skycast/internal/weather"
	"skycast/pkg/tgui"
)

// FormatReport renders a reminder message for one city as Telegram HTML.
func FormatReport(cityName string, rep *weather.CachedReport) string {
	now := rep.Report.Now
	var b strings.Builder

	b.WriteString(tgui.B("Weather in "+cityName).String() + "\n\n")
	b.WriteString(fmt.Sprintf("%s, %s°C (feels like %s°C)\n",
		tgui.Esc(now.Text), tgui.Esc(now.Temp), tgui.Esc(now.FeelsLike)))
	if now.WindDir != "" {
		b.WriteString(fmt.Sprintf("Wind: %s, scale %s\n", tgui.Esc(now.WindDir), tgui.Esc(now.WindScale)))
	}
	if now.Humidity != "" {
		b.WriteString(fmt.Sprintf("Humidity: %s%%\n", tgui.Esc(now.Humidity)))
	}
	if now.Vis != "" {
		b.WriteString(fmt.Sprintf("Visibility: %s km\n", tgui.Esc(now.Vis)))
	}
	if rep.Advice != "" {
		b.WriteString("\n" + tgui.I(rep.Advice).String() + "\n")
	}
	if rep.Report.UpdateTime != "" {
		b.WriteString("\n" + tgui.Code("updated "+rep.Report.UpdateTime).String())
	}
	return b.String()
}

// FormatWarning renders a single hazard warning as Telegram HTML.
func FormatWarning(cityName string, w weather.Warning) string {
	var b strings.Builder

	title := w.Title
	if title == "" {
		title = w.TypeName + " warning"
	}
	b.WriteString(tgui.B("⚠️ "+title).String() + "\n\n")
	if cityName != "" {
		b.WriteString("Area: " + tgui.Esc(cityName).String() + "\n")
	}
	if w.Severity != "" {
		sev := w.Severity
		if w.SeverityColor != "" {
			sev += " (" + w.SeverityColor + ")"
		}
		b.WriteString("Severity: " + tgui.Esc(sev).String() + "\n")
	}
	if w.StartTime != "" || w.EndTime != "" {
		b.WriteString("In effect: " + tgui.Esc(w.StartTime+" - "+w.EndTime).String() + "\n")
	}
	if w.Text != "" {
		b.WriteString("\n" + tgui.Esc(w.Text).String() + "\n")
	}
	if w.Sender != "" {
		b.WriteString("\n" + tgui.Code(w.Sender).String())
	}
	return b.String()
}
