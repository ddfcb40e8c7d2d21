package usecase

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const fallbackReply = "Thanks for your comment!"

// defaultLink substitutes {link} when the creator configured no link.
const defaultLink = "the link in my bio"

// closings occasionally appended to a reply; blanks keep most replies bare.
var closings = []string{"", " 🙏", " ❤️", "", " 🎯", ""}

// emojiSuffixes guards against stacking a closing onto a reply that already
// ends with one.
var emojiSuffixes = []string{"😊", "🙏", "❤️", "🎉", "💯", "🔥", "🚀", "🎯", "✨", "🙌"}

// Renderer turns a reply template into the posted text: placeholder
// substitution plus light random variation so replies do not read
// machine-stamped. Safe for concurrent use.
type Renderer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRenderer builds a Renderer. seed 0 derives one from the clock.
func NewRenderer(seed int64) *Renderer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Renderer{rng: rand.New(rand.NewSource(seed))}
}

// Render picks a random template from the pool and substitutes {name} and
// {link}. An empty pool falls back to a fixed acknowledgement rather than
// posting nothing.
func (r *Renderer) Render(templates []string, vars map[string]string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(templates) == 0 {
		return fallbackReply
	}
	reply := templates[r.rng.Intn(len(templates))]

	if name := vars["name"]; name != "" {
		reply = strings.ReplaceAll(reply, "{name}", name)
	} else {
		reply = strings.ReplaceAll(reply, "{name}", "")
	}
	if strings.Contains(reply, "{link}") {
		link := vars["link"]
		if link == "" {
			link = defaultLink
		}
		reply = strings.ReplaceAll(reply, "{link}", link)
	}

	if r.rng.Float64() > 0.7 {
		closing := closings[r.rng.Intn(len(closings))]
		if closing != "" && !endsWithEmoji(reply) {
			reply = strings.TrimRight(reply, " \t\n") + closing
		}
	}

	out := strings.TrimSpace(reply)
	if out == "" {
		return fallbackReply
	}
	return out
}

func endsWithEmoji(s string) bool {
	t := strings.TrimRight(s, " \t\n")
	for _, e := range emojiSuffixes {
		if strings.HasSuffix(t, e) {
			return true
		}
	}
	return false
}
