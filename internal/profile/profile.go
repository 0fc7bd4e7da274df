// Package profile keeps per-user personalization state in a bounded cache.
package profile

import (
	"maps"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/language"

	"chatcore/internal/cache"
	"chatcore/internal/intent"
	"chatcore/internal/logging"
)

// Supported are the reply languages profiles can learn.
var Supported = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
	language.Portuguese,
	language.Italian,
}

var stopwords = map[language.Tag][]string{
	language.English:    {"the", "and", "is", "are", "what", "how", "with", "you", "this", "please"},
	language.Spanish:    {"el", "la", "los", "que", "para", "con", "por", "es", "una", "cómo", "hola"},
	language.French:     {"le", "les", "est", "et", "pour", "avec", "une", "que", "vous", "bonjour"},
	language.German:     {"der", "die", "das", "und", "ist", "nicht", "mit", "ich", "wie", "bitte"},
	language.Portuguese: {"o", "os", "não", "para", "com", "uma", "você", "obrigado", "olá", "como"},
	language.Italian:    {"il", "gli", "che", "per", "con", "una", "sono", "non", "ciao", "come"},
}

// minStopwordHits is how many stopwords a text needs before its language
// counts as detected.
const minStopwordHits = 2

// Profile is what is known about one user.
type Profile struct {
	UserID   string               `json:"user_id"`
	Turns    int                  `json:"turns"`
	Topics   map[intent.Label]int `json:"topics"`
	Language language.Tag         `json:"language"`
	LastSeen time.Time            `json:"last_seen"`
}

// TopTopic returns the most frequent non-general intent.
func (p Profile) TopTopic() (intent.Label, bool) {
	var best intent.Label
	n := 0
	for _, l := range []intent.Label{intent.Math, intent.Task, intent.Code, intent.File} {
		if p.Topics[l] > n {
			best, n = l, p.Topics[l]
		}
	}
	return best, n > 0
}

// Service tracks profiles for the most recently active users.
type Service struct {
	profiles *cache.Bounded[string, Profile]
	matcher  language.Matcher
	now      func() time.Time
}

// NewService creates a service holding at most maxUsers profiles.
func NewService(maxUsers int) *Service {
	if maxUsers <= 0 {
		maxUsers = 10000
	}
	return &Service{
		profiles: cache.NewBounded[string, Profile](maxUsers),
		matcher:  language.NewMatcher(Supported),
		now:      time.Now,
	}
}

// Get returns a copy of the user's profile.
func (s *Service) Get(userID string) (Profile, bool) {
	return s.profiles.Get(userID)
}

// Len returns the number of tracked profiles.
func (s *Service) Len() int { return s.profiles.Len() }

// Observe records one turn.
func (s *Service) Observe(userID string, in intent.Result) Profile {
	now := s.now()
	return s.profiles.Update(userID, func(p Profile, ok bool) Profile {
		if !ok {
			p = Profile{UserID: userID}
		}
		topics := make(map[intent.Label]int, len(p.Topics)+1)
		maps.Copy(topics, p.Topics)
		topics[in.Primary]++
		p.Topics = topics
		p.Turns++
		p.LastSeen = now
		return p
	})
}

// LearnLanguage updates the preferred language from the text, falling back
// to the Accept-Language header when the text is inconclusive.
func (s *Service) LearnLanguage(userID, text, acceptLanguage string) (language.Tag, bool) {
	tag, ok := DetectLanguage(text)
	if !ok {
		tag, ok = s.matchAccept(acceptLanguage)
	}
	if !ok {
		return language.Und, false
	}
	now := s.now()
	s.profiles.Update(userID, func(p Profile, exists bool) Profile {
		if !exists {
			p = Profile{UserID: userID}
		}
		if p.Language != tag {
			logging.BackgroundDebug("language preference for %s: %s -> %s", userID, p.Language, tag)
		}
		p.Language = tag
		p.LastSeen = now
		return p
	})
	return tag, true
}

// Preferred returns the learned language of the user.
func (s *Service) Preferred(userID string) (language.Tag, bool) {
	p, ok := s.profiles.Get(userID)
	if !ok || p.Language == language.Und {
		return language.Und, false
	}
	return p.Language, true
}

// Cleanup drops profiles idle for longer than idle and returns how many
// were removed.
func (s *Service) Cleanup(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	return s.profiles.RemoveIf(func(_ string, p Profile) bool {
		return p.LastSeen.Before(cutoff)
	})
}

func (s *Service) matchAccept(header string) (language.Tag, bool) {
	if strings.TrimSpace(header) == "" {
		return language.Und, false
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return language.Und, false
	}
	_, idx, conf := s.matcher.Match(tags...)
	if conf == language.No {
		return language.Und, false
	}
	return Supported[idx], true
}

// DetectLanguage guesses the language of text from stopword hits. It needs
// a clear winner with at least two hits.
func DetectLanguage(text string) (language.Tag, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}

	best, bestHits, tie := language.Und, 0, false
	for _, tag := range Supported {
		hits := 0
		for _, w := range stopwords[tag] {
			if seen[w] {
				hits++
			}
		}
		switch {
		case hits > bestHits:
			best, bestHits, tie = tag, hits, false
		case hits == bestHits && hits > 0:
			tie = true
		}
	}
	if bestHits < minStopwordHits || tie {
		return language.Und, false
	}
	return best, true
}
