package notifications

import (
	"fmt"
	"strings"
	"time"
)

const (
	themePrimary   = "#1D4ED8"
	themeTextMain  = "#1F2937"
	themeTextMuted = "#6B7280"
	themeBgBody    = "#F3F4F6"
)

// Layout wraps content in the transactional email shell.
func Layout(contentHTML string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Atlas</title>
  <style>
    body { margin: 0; padding: 0; background-color: %s; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Helvetica, Arial, sans-serif; color: %s; }
    .content-body p { margin: 0 0 20px 0; font-size: 16px; line-height: 1.6; }
    .content-body h1 { font-size: 22px; margin: 0 0 20px 0; }
    .amount { font-size: 20px; font-weight: 700; color: %s; }
    .footer-text { color: %s; font-size: 13px; }
  </style>
</head>
<body>
  <table role="presentation" width="100%%" cellspacing="0" cellpadding="0">
    <tr>
      <td align="center" style="padding: 40px 0;">
        <table role="presentation" width="600" cellspacing="0" cellpadding="0" style="background-color: #FFFFFF; border-radius: 8px;">
          <tr><td class="content-body" style="padding: 40px 48px 24px 48px;">%s</td></tr>
          <tr><td align="center" style="padding: 24px 48px 32px 48px;"><p class="footer-text">© %d Atlas. This is an automated message about activity on your account.</p></td></tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>`, themeBgBody, themeTextMain, themePrimary, themeTextMuted, contentHTML, time.Now().Year())
}

// EscapeHTML escapes HTML specials for safe interpolation.
func EscapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;").Replace(s)
}

func money(amount, currency string) string {
	return EscapeHTML(strings.TrimSpace(amount + " " + currency))
}

func investmentContent(r result) string {
	partial := ""
	if r.Status == "PARTIALLY_FILLED" {
		partial = fmt.Sprintf(`<p>The offer had less capacity than you requested (%s), so the accepted amount was reduced. The rest stays in your available balance.</p>`,
			money(r.RequestedAmount, r.Currency))
	}
	return fmt.Sprintf(`
    <h1>Investment confirmed</h1>
    <p>We have allocated <span class="amount">%s</span> to your investment.</p>
    %s
    <p>The amount is blocked for this offer until settlement.</p>`, money(r.AcceptedAmount, r.Currency), partial)
}

func depositContent(r result) string {
	return fmt.Sprintf(`
    <h1>Funds received</h1>
    <p><span class="amount">%s</span> has been credited to your account.</p>
    <p>Large deposits may be held for a compliance review before they become available.</p>`, money(r.Amount, r.Currency))
}

func withdrawalContent(r result, pending bool) string {
	if pending {
		return fmt.Sprintf(`
    <h1>Withdrawal in progress</h1>
    <p>Your withdrawal of <span class="amount">%s</span> from vault %s is reserved and will be paid out once liquidity is available.</p>`,
			money(r.Amount, r.Currency), EscapeHTML(r.VaultCode))
	}
	return fmt.Sprintf(`
    <h1>Withdrawal completed</h1>
    <p><span class="amount">%s</span> from vault %s is now in your available balance.</p>`, money(r.Amount, r.Currency), EscapeHTML(r.VaultCode))
}
