package graph

import (
	"fmt"
	"strings"

	"github.com/shineum/smtp-mailbox-lite/internal/notify"
)

type sendMailRequest struct {
	Message         message `json:"message"`
	SaveToSentItems bool    `json:"saveToSentItems"`
}

type message struct {
	Subject      string      `json:"subject"`
	Body         messageBody `json:"body"`
	ToRecipients []recipient `json:"toRecipients"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildRequest renders a notice as a plain-text sendMail request.
func buildRequest(to string, notice notify.Notice) *sendMailRequest {
	var text strings.Builder
	if notice.FirstMessage {
		fmt.Fprintf(&text, "A mailbox has been opened for %s.\n", notice.Recipient)
	}
	fmt.Fprintf(&text, "A new message from %s is waiting in the mailbox of %s.\n", notice.Sender, notice.Recipient)
	text.WriteString("Retrieve it with: RETRIEVE FROM:" + notice.Recipient + "\n")

	return &sendMailRequest{
		Message: message{
			Subject: fmt.Sprintf("New message from %s", notice.Sender),
			Body: messageBody{
				ContentType: "text",
				Content:     text.String(),
			},
			ToRecipients: []recipient{{EmailAddress: emailAddress{Address: to}}},
		},
	}
}
