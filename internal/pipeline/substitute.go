package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"expensed/internal/expense"
)

// Substitute resolves {placeholder} tokens in the snapshot's string fields
// against the firing time. Pure transform; unknown tokens pass through
// untouched so validation can complain about them in context.
//
// Supported tokens: {month} (01..12), {month_name}, {year}, {day} (01..31),
// {date} (YYYY-MM-DD).
func Substitute(p expense.Payload, at time.Time) expense.Payload {
	rep := strings.NewReplacer(
		"{month}", fmt.Sprintf("%02d", int(at.Month())),
		"{month_name}", at.Month().String(),
		"{year}", strconv.Itoa(at.Year()),
		"{day}", fmt.Sprintf("%02d", at.Day()),
		"{date}", at.Format("2006-01-02"),
	)
	p.Description = rep.Replace(p.Description)
	p.Category = rep.Replace(p.Category)
	p.CostCenter = rep.Replace(p.CostCenter)
	p.Notes = rep.Replace(p.Notes)
	return p
}
