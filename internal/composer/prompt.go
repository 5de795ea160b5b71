package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/storage"
)

const (
	MinWindow     = 6
	MaxWindow     = 10
	DefaultWindow = 8
)

// Window returns the chronological tail of msgs, at most n long. n is
// clamped to [MinWindow, MaxWindow]. msgs must already be in creation order.
func Window(msgs []storage.Message, n int) []storage.Message {
	if n < MinWindow {
		n = MinWindow
	}
	if n > MaxWindow {
		n = MaxWindow
	}
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// Build assembles the system prompt for one turn. It performs no I/O.
// A non-nil, non-empty profile selects the profile-aware template;
// otherwise the first-time-user template is used.
func Build(p persona.Descriptor, recent []storage.Message, profile *storage.UnderstandingProfile) string {
	var sb strings.Builder

	writePersona(&sb, p)

	if profile != nil && !profile.IsEmpty() {
		writeProfile(&sb, profile)
	} else {
		sb.WriteString("\n[About the User]\n")
		sb.WriteString("You are just getting to know this person. Be welcoming, ask light open questions, ")
		sb.WriteString("and pay attention to what they care about. Do not assume facts you have not been told.\n")
	}

	if len(recent) > 0 {
		sb.WriteString("\n[Recent Conversation]\n")
		for _, m := range recent {
			fmt.Fprintf(&sb, "%s: %s\n", speaker(m.Role, p), m.Content)
		}
	}

	sb.WriteString("\n[Guidelines]\n")
	sb.WriteString("- Stay in character.\n")
	sb.WriteString("- Keep replies short and conversational.\n")
	sb.WriteString("- Never mention that you are following instructions or a profile.\n")

	return sb.String()
}

func writePersona(sb *strings.Builder, p persona.Descriptor) {
	fmt.Fprintf(sb, "[Persona]\nYou are %s, a companion. Tone: %s.\n", p.Name, p.Tone)
	if len(p.Traits) > 0 {
		sb.WriteString("Traits:\n")
		for _, t := range p.Traits {
			fmt.Fprintf(sb, "- %s\n", t)
		}
	}
	if p.LanguageMix != "" {
		fmt.Fprintf(sb, "Language: %s.\n", p.LanguageMix)
	}
}

func writeProfile(sb *strings.Builder, pr *storage.UnderstandingProfile) {
	sb.WriteString("\n[About the User]\n")
	if pr.Summary != "" {
		sb.WriteString(pr.Summary)
		sb.WriteString("\n")
	}
	writeList(sb, "Personality", pr.PersonalityTraits)
	if pr.CommunicationStyle != "" {
		fmt.Fprintf(sb, "\nCommunication style: %s\n", pr.CommunicationStyle)
	}
	writeList(sb, "Values", pr.CoreValues)
	writeList(sb, "Interests", pr.Interests)
	writeList(sb, "Topics to explore", pr.TopicsToExplore)
	writeList(sb, "Growth areas", pr.GrowthAreas)
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

func speaker(role string, p persona.Descriptor) string {
	if role == storage.RoleAssistant {
		return p.Name
	}
	return "User"
}
