package domain

import "time"

// Credential slot keys, as exchanged with the dashboard.
const (
	CredTwilioAccountSID  = "TWILIO_ACCOUNT_SID"
	CredTwilioAuthToken   = "TWILIO_AUTH_TOKEN"
	CredTwilioPhoneNumber = "TWILIO_PHONE_NUMBER"
	CredElevenLabsAPIKey  = "ELEVENLABS_API_KEY"
	CredElevenLabsAgentID = "ELEVENLABS_AGENT_ID"
	CredLLMAPIKey         = "LLM_API_KEY"
)

// CredentialKeys lists every slot in display order.
var CredentialKeys = []string{
	CredTwilioAccountSID,
	CredTwilioAuthToken,
	CredTwilioPhoneNumber,
	CredElevenLabsAPIKey,
	CredElevenLabsAgentID,
	CredLLMAPIKey,
}

// SecretKeys are masked on read unless secrets are exposed.
var SecretKeys = map[string]bool{
	CredTwilioAuthToken:  true,
	CredElevenLabsAPIKey: true,
	CredLLMAPIKey:        true,
}

// ProviderCredentials is an immutable, versioned snapshot of the credential set.
type ProviderCredentials struct {
	Values    map[string]string
	Version   int64
	UpdatedAt time.Time
}

// Get returns the value for key or "".
func (c ProviderCredentials) Get(key string) string {
	if c.Values == nil {
		return ""
	}
	return c.Values[key]
}

// TelephonyReady reports whether every telephony slot is filled.
func (c ProviderCredentials) TelephonyReady() bool {
	return c.Get(CredTwilioAccountSID) != "" && c.Get(CredTwilioAuthToken) != "" && c.Get(CredTwilioPhoneNumber) != ""
}

// VoiceReady reports whether the voice agent slots are filled.
func (c ProviderCredentials) VoiceReady() bool {
	return c.Get(CredElevenLabsAPIKey) != "" && c.Get(CredElevenLabsAgentID) != ""
}

// LLMReady reports whether a language model key is present.
func (c ProviderCredentials) LLMReady() bool {
	return c.Get(CredLLMAPIKey) != ""
}
