// SPDX-License-Identifier: GPL-3.0-or-later
package rspamd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/log"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const RspamdTimeout = 20 * time.Second

// gathered via trial&error and the source-code of various rspamd modules. These are caused by misconfiguration on the
// sender's side and not by the dns server being slow to respond for example.
var okFailSymbols = regexp.MustCompile(`^(R_DKIM_PERMFAIL|DMARC_POLICY_SOFTFAIL|R_SPF_SOFTFAIL|DMARC_DNSFAIL|R_SPF_FAIL)$`)

type Rspamd struct {
	client *resty.Client
	l      *logrus.Entry
}

func NewRspamd(host, password string) (*Rspamd, error) {
	l := log.Logger(log.LOG_CLASSIFIER).WithField("backend", "rspamd")
	rspamd := &Rspamd{
		client: resty.New().
			SetBaseURL(strings.TrimRight(host, "/")).
			SetTimeout(RspamdTimeout).
			SetHeader("Password", password).
			SetLogger(l),
		l: l,
	}
	err := rspamd.Ping()
	if err != nil {
		return nil, fmt.Errorf("could not ping rspamd: %w", err)
	}

	return rspamd, nil
}

func (rs *Rspamd) Ping() error {
	resp, err := rs.client.R().Get("/ping")
	if err != nil {
		return fmt.Errorf("could not ping rspamd: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unexpected status %d from rspamd, expected 200", resp.StatusCode())
	}

	return nil
}

type checkResponse struct {
	IsSkipped bool    `json:"is_skipped"`
	Score     float64 `json:"score"`
	Symbols   map[string]struct {
		Name  string
		Score float64
	} `json:"symbols"`
	Action string `json:"action"`
}

func (rs *Rspamd) Check(rawMail []byte) *domain.SpamResult {
	resp, err := rs.client.R().
		SetBody(rawMail).
		Post("/checkv2")
	if err != nil {
		return errResult(fmt.Errorf("could not perform check request: %w", err))
	}

	if resp.StatusCode() != http.StatusOK {
		return errResult(fmt.Errorf("unexpected status %d from rspamd, expected 200", resp.StatusCode()))
	}

	checkResponse := &checkResponse{}
	err = json.Unmarshal(resp.Body(), checkResponse)
	if err != nil {
		return errResult(fmt.Errorf("could not deserialize rspamd response: %w", err))
	}

	if checkResponse.IsSkipped {
		return &domain.SpamResult{}
	}

	if len(checkResponse.Symbols) == 0 {
		return errResult(fmt.Errorf("could not find any symbols in rspamd response"))
	}

	for symbol := range checkResponse.Symbols {
		if strings.HasSuffix(symbol, "FAIL") && !okFailSymbols.MatchString(symbol) {
			return errResult(fmt.Errorf("unexpected FAIL symbol %s in rspamd response", symbol))
		}
	}

	rs.l.WithFields(logrus.Fields{"action": checkResponse.Action, "score": checkResponse.Score}).Debug("Checked mail")
	return &domain.SpamResult{
		IsSpam: checkResponse.Action != "no action",
		Score:  checkResponse.Score,
	}
}

func errResult(err error) *domain.SpamResult {
	return &domain.SpamResult{Error: err}
}
