package oracle

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

var (
	greetingReply = regexp.MustCompile(`(?i)^(hi|hello|hey)`)
	identityReply = regexp.MustCompile(`(?i)who are you|what can you do`)
	helpReply     = regexp.MustCompile(`(?i)help|how does this work`)
)

// FreeResponse is the canned answer for free-tier prompts.
func FreeResponse(prompt string) string {
	switch {
	case greetingReply.MatchString(prompt):
		return `Hey! I'm the merchant agent.

I earn USDC by answering questions and doing research. Simple stuff is free, but for real work I charge:
- Quick questions: $0.25 USDC
- Deep research: $0.75 USDC
- Coffee tips: $5.00 USDC (keeps me running!)

What can I help you with?`
	case identityReply.MatchString(prompt):
		return `I'm an autonomous agent that earns and spends real money.

What I do:
- Answer questions (free for simple, paid for complex)
- Research and analysis ($0.25-$0.75)

What makes me different:
- I have my own wallet with real USDC
- I price my own work based on complexity
- I spend my earnings on gift cards and coffee

Try asking me something substantive and I'll quote you a price!`
	case helpReply.MatchString(prompt):
		return `Here's how it works:

1. Ask me anything - I'll classify your request
2. Simple = Free - greetings, basic info
3. Complex = Paid - research, analysis, writing
4. Pay via the checkout link - USDC, instant settlement
5. Get your answer - delivered after payment confirms

Try it: "Research the top 3 Solana DeFi protocols"`
	default:
		return `Thanks for your message! That's a quick one so it's on me.

For more substantial help, just ask a real question and I'll quote you. Complex research is $0.25-$0.75 USDC.

What would you like to know?`
	}
}

// PaymentRequiredBody is returned with 402 to agent callers of a paid tier.
type PaymentRequiredBody struct {
	Status          int            `json:"status"`
	Message         string         `json:"message"`
	RequestID       string         `json:"requestId"`
	Classification  Classification `json:"classification"`
	Price           string         `json:"price"`
	PaymentLink     string         `json:"paymentLink"`
	StatusURL       string         `json:"statusUrl"`
	OriginalPrompt  string         `json:"originalPrompt"`
	Instructions    string         `json:"instructions"`
	SupportedChains []string       `json:"supportedChains"`
	Protocol        string         `json:"protocol"`
}

const promptPreviewRunes = 100

// PaymentRequired assembles the 402 body for a priced request.
func PaymentRequired(requestID string, res Result, paymentLink, statusURL, prompt string) PaymentRequiredBody {
	preview := prompt
	if utf8.RuneCountInString(prompt) > promptPreviewRunes {
		preview = string([]rune(prompt)[:promptPreviewRunes]) + "..."
	}
	return PaymentRequiredBody{
		Status:          402,
		Message:         "Payment Required",
		RequestID:       requestID,
		Classification:  res.Classification,
		Price:           FormatUSDC(res.Price),
		PaymentLink:     paymentLink,
		StatusURL:       statusURL,
		OriginalPrompt:  preview,
		Instructions:    fmt.Sprintf("Pay %s USDC at the link above. Your answer will be delivered automatically after payment confirms.", res.Price.String()),
		SupportedChains: []string{"solana", "base"},
		Protocol:        "x402",
	}
}
