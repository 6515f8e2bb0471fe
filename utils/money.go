// utils/money.go
package utils

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moneyPrinter = message.NewPrinter(language.English)

// FormatMinorUnits renders an amount in currency minor units as a grouped
// decimal string, e.g. 1234550 → "12,345.50". For logs and notifications
// only; arithmetic always stays on the int64.
func FormatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return moneyPrinter.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
