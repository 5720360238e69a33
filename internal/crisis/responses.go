package crisis

import "github.com/BTreeMap/Empathibot/internal/models"

// ResponseTemplateVersion identifies the escalation wording below.
const ResponseTemplateVersion = "2024.06-1"

// Hotline identifiers that appear in escalation text.
const (
	SuicideLifeline = "988"
	CrisisTextLine  = "Text HOME to 741741"
	EmergencyNumber = "911"
	SAMHSAHelpline  = "1-800-662-4357"
)

const criticalResponse = `🚨 **IMMEDIATE HELP AVAILABLE** 🚨

I'm very concerned about you. Please know that you're not alone and help is available RIGHT NOW:

**Call NOW:**
📞 National Suicide Prevention Lifeline: 988
📞 Crisis Text Line: Text HOME to 741741
📞 Emergency Services: 911

**You matter. Your life has value. These feelings are temporary, but suicide is permanent.**

I'm here to support you, but please reach out to these crisis professionals immediately. Would you like me to help you find additional resources or someone to talk to?`

const highResponse = `⚠️ **I'm Here For You** ⚠️

I can sense you're going through a really difficult time. Please know that:

✨ You are not alone
✨ These feelings are temporary
✨ Help is available

**Crisis Resources:**
📞 988 - Suicide Prevention Lifeline (24/7)
📱 Text HOME to 741741 - Crisis Text Line
🌐 SAMHSA Helpline: 1-800-662-4357

Please consider reaching out to a mental health professional or one of these crisis resources. I'm here to listen and support you. Would you like to talk about what you're experiencing?`

const moderateResponse = `💙 **I Hear You** 💙

It sounds like you're struggling right now. That takes courage to share. Remember:

✨ Difficult times don't last forever
✨ You have the strength to get through this
✨ Professional support can make a real difference

If things get worse, please reach out:
📞 988 - Suicide Prevention Lifeline
📱 Crisis Text Line: Text HOME to 741741

I'm here to listen. Would you like to talk about what's troubling you?`

var responses = map[models.Severity]string{
	models.SeverityCritical: criticalResponse,
	models.SeverityHigh:     highResponse,
	models.SeverityModerate: moderateResponse,
}

// Response returns the fixed escalation text for severity. The boolean is false
// for low severity, which never escalates.
func Response(severity models.Severity) (string, bool) {
	r, ok := responses[severity]
	return r, ok
}

// Resource describes one external support service.
type Resource struct {
	Name        string `json:"name"`
	Phone       string `json:"phone,omitempty"`
	Text        string `json:"text,omitempty"`
	Website     string `json:"website,omitempty"`
	Description string `json:"description"`
}

// Resources lists the crisis and support services offered to users.
func Resources() map[string][]Resource {
	return map[string][]Resource{
		"immediate_help": {
			{Name: "National Suicide Prevention Lifeline", Phone: SuicideLifeline, Description: "24/7 crisis support"},
			{Name: "Crisis Text Line", Text: "HOME to 741741", Description: "24/7 text-based crisis support"},
			{Name: "Emergency Services", Phone: EmergencyNumber, Description: "For immediate emergency situations"},
		},
		"mental_health_resources": {
			{Name: "SAMHSA National Helpline", Phone: SAMHSAHelpline, Description: "Treatment referral and information service"},
			{Name: "National Alliance on Mental Illness", Website: "https://nami.org", Description: "Support and education"},
			{Name: "Mental Health America", Website: "https://mhanational.org", Description: "Mental health resources and screening tools"},
		},
	}
}
