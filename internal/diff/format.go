package diff

import (
	"fmt"
	"strings"
)

// FormatText renders a short plain-text report of s.
func FormatText(s *Summary) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s (%s) vs %s (%s)\n",
		orDash(s.Current.Root), orDash(s.CurrentUpdateAt),
		orDash(s.Previous.Root), orDash(s.PreviousUpdateAt))
	fmt.Fprintf(&sb, "Tickets: %d current, %d previous\n", s.Current.TicketCount, s.Previous.TicketCount)
	fmt.Fprintf(&sb, "Created: %d current, %d previous (%+d)\n",
		s.CreatedOnCountCurrent, s.CreatedOnCountPrevious, s.CreatedOnCountDelta)

	if len(s.ChangedTickets) == 0 {
		sb.WriteString("No changes.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "%d %s changed.\n", len(s.ChangedTickets), pluralize("ticket", len(s.ChangedTickets)))
	writeTextGroups(&sb, "Status", s.TicketStatusChanges)
	writeTextGroups(&sb, "Status text", s.TicketStatusTextChanges)
	return sb.String()
}

func writeTextGroups(sb *strings.Builder, title string, groups []Transition) {
	if len(groups) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, g := range groups {
		fmt.Fprintf(sb, "  %s -> %s: %d\n", display(g.From), display(g.To), g.Count)
	}
}

// FormatMarkdown renders s with a details table of changed tickets.
func FormatMarkdown(s *Summary) string {
	var sb strings.Builder

	sb.WriteString("## Summary\n\n")
	sb.WriteString(FormatText(s))
	sb.WriteString("\n")

	if len(s.ChangedTickets) == 0 {
		return sb.String()
	}

	sb.WriteString("## Changed tickets\n\n")
	sb.WriteString("| Ticket | Status | Status text | Party |\n")
	sb.WriteString("|--------|--------|-------------|-------|\n")
	for _, c := range s.ChangedTickets {
		status := fmt.Sprintf("%s → %s", display(c.PreviousTicketStatus), display(c.TicketStatus))
		text := fmt.Sprintf("%s → %s", display(c.PreviousTicketStatusText), display(c.TicketStatusText))
		party := label(c.Role40InvolvedPartyName)
		if party == "" {
			party = "-"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n",
			escapeCell(c.TicketID), escapeCell(status), escapeCell(text), escapeCell(party))
	}
	return sb.String()
}

func display(v any) string {
	if v == nil {
		return "(none)"
	}
	return label(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

// pluralize returns singular or plural form.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
