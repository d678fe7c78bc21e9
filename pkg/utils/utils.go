package utils

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moneyPrinter = message.NewPrinter(language.English)

// FormatMoney renders an amount the way the league displays contracts, e.g. $1,250,000.
func FormatMoney(amount int64) string {
	if amount < 0 {
		return moneyPrinter.Sprintf("-$%d", -amount)
	}
	return moneyPrinter.Sprintf("$%d", amount)
}

var levelStyles = map[string]lipgloss.Style{
	"INFO": badge("87", "16"),
	"WARN": badge("214", "0"),
	"ERRO": badge("204", "0"),
	"DEBU": badge("63", "0"),
}

func badge(bg, fg string) lipgloss.Style {
	return lipgloss.NewStyle().
		Padding(0, 1, 0, 1).
		Bold(true).
		MaxWidth(80).
		Background(lipgloss.Color(bg)).
		Foreground(lipgloss.Color(fg))
}

func ColorizeLogs(logs []string) []string {
	for i, line := range logs {
		// Only style if not already styled (check for ANSI codes)
		if strings.Contains(line, "\x1b[") {
			continue
		}
		for _, level := range []string{"INFO", "WARN", "ERRO", "DEBU"} {
			if strings.Contains(line, level) {
				logs[i] = strings.Replace(line, level, levelStyles[level].Render(level), 1)
				break
			}
		}
	}
	return logs
}
