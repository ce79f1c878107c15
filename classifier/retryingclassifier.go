// SPDX-License-Identifier: GPL-3.0-or-later
package classifier

import "github.com/CrawX/go-imap-notifier/domain"

// RetryingSpamClassifier checks a mail a second time when the first check
// failed. Spam daemons regularly drop single connections under load.
type RetryingSpamClassifier struct {
	domain.SpamClassifier
}

func (rsc *RetryingSpamClassifier) Check(rawMail []byte) *domain.SpamResult {
	result := rsc.SpamClassifier.Check(rawMail)
	if result.Error != nil {
		result = rsc.SpamClassifier.Check(rawMail)
	}
	return result
}
