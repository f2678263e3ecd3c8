package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/pixbill/internal/billing"
	"github.com/lalithlochan/pixbill/internal/db"
)

var defaultTemplates = map[int]string{
	-5: "Olá {nome}! Lembrete: sua mensalidade de {valor} vence em {dias} dias, em {vencimento}.",
	-3: "Olá {nome}! Faltam {dias} dias para o vencimento da sua mensalidade de {valor} ({vencimento}).",
	-2: "Olá {nome}! Sua mensalidade de {valor} vence em {dias} dias, em {vencimento}.",
	-1: "Olá {nome}! Sua mensalidade de {valor} vence amanhã, {vencimento}.",
	0:  "Olá {nome}! Sua mensalidade de {valor} vence hoje, {vencimento}.",
	1:  "Olá {nome}! Sua mensalidade de {valor} venceu ontem, {vencimento}. Regularize assim que possível.",
}

const genericTemplate = "Olá {nome}! Sua mensalidade de {valor} tem vencimento em {vencimento}."

// DefaultTemplate returns the built-in text for an offset.
func DefaultTemplate(offsetDays int) string {
	if tpl, ok := defaultTemplates[offsetDays]; ok {
		return tpl
	}
	return genericTemplate
}

// Render substitutes the account placeholders in body. due is used when
// the account carries no due date of its own.
func Render(body string, account *db.Account, due time.Time, offsetDays int) string {
	if account.DueDate != nil {
		due = *account.DueDate
	}
	days := offsetDays
	if days < 0 {
		days = -days
	}
	return strings.NewReplacer(
		"{nome}", account.Name,
		"{valor}", billing.FormatBRL(account.Amount),
		"{vencimento}", billing.FormatDate(due),
		"{dias}", strconv.Itoa(days),
	).Replace(body)
}
