package main

import (
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/stock_sync/alerting"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
	"github.com/sirupsen/logrus"
)

// notifiersFromEnv builds the always-on notifiers plus the critical-only pager.
// Misconfigured optional notifiers are logged and skipped.
func notifiersFromEnv(logger *logrus.Logger) ([]alerting.Notifier, []alerting.Notifier) {
	entry := logger.WithFields(logrus.Fields{"field": "AlertDispatcher"})
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger}}

	if url := strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL")); url != "" {
		secret := os.Getenv("ALERT_WEBHOOK_SECRET")
		if secret == "" {
			entry.Warn("ALERT_WEBHOOK_SECRET not set; webhook notifier disabled")
		} else {
			notifiers = append(notifiers, alerting.NewWebhookNotifier(url, secret))
		}
	}

	if addr := strings.TrimSpace(os.Getenv("SMTP_ADDR")); addr != "" {
		to := utils.SplitAndTrim(os.Getenv("ALERT_EMAIL_TO"))
		if len(to) == 0 {
			entry.Warn("ALERT_EMAIL_TO not set; email notifier disabled")
		} else {
			notifiers = append(notifiers, alerting.NewEmailNotifier(
				addr,
				utils.StringFromEnv("SMTP_FROM", "stock-sync@localhost"),
				os.Getenv("SMTP_USERNAME"),
				os.Getenv("SMTP_PASSWORD"),
				to,
			))
		}
	}

	if topic := strings.TrimSpace(os.Getenv("ALERT_TOPIC")); topic != "" {
		notifiers = append(notifiers, alerting.NewPubSubNotifier(topic))
	}

	var paging []alerting.Notifier
	if gw := strings.TrimSpace(os.Getenv("PAGING_GATEWAY_URL")); gw != "" {
		p, err := alerting.NewPagingNotifier(
			gw,
			os.Getenv("PAGING_API_KEY"),
			utils.SplitAndTrim(os.Getenv("PAGING_NUMBERS")),
			os.Getenv("PAGING_COUNTRY"),
		)
		if err != nil {
			entry.Warn("paging disabled: " + err.Error())
		} else {
			paging = append(paging, p)
		}
	}
	return notifiers, paging
}
