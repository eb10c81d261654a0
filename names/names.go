// Package names generates random display names for new identities and
// validates user-chosen nicknames.
package names

import (
	"math/rand"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/weft-project/weft/errors"
)

// MaxNicknameLength is the maximum length of a nickname in runes.
const MaxNicknameLength = 30

// separator joins the two name tokens. It must itself pass
// ValidateNickname when embedded in a name.
const separator = "."

var firstnames = []string{
	"Ada", "Alan", "Barbara", "Blaise", "Claude", "Donald", "Dorothy",
	"Edsger", "Emmy", "Grace", "Hedy", "Ivan", "John", "Katherine",
	"Ken", "Kurt", "Leslie", "Linus", "Margaret", "Marvin", "Niklaus",
	"Noam", "Radia", "Richard", "Rosalind", "Sophie", "Tim", "Vint",
	"Whitfield", "Yoshua",
}

var lastnames = []string{
	"Babbage", "Backus", "Boole", "Church", "Conway", "Curie",
	"Dijkstra", "Engelbart", "Franklin", "Germain", "Hamilton",
	"Hopper", "Johnson", "Kernighan", "Knuth", "Lamarr", "Lamport",
	"Liskov", "Lovelace", "McCarthy", "Minsky", "Noether", "Pascal",
	"Perlman", "Ritchie", "Shannon", "Turing", "Vaughan", "Wirth",
	"Zuse",
}

// Generate returns a random "First.Last" display name. The result
// always passes ValidateNickname.
func Generate() string {
	first := firstnames[rand.Intn(len(firstnames))]
	last := lastnames[rand.Intn(len(lastnames))]
	return first + separator + last
}

// ValidateNickname checks whether a nickname is acceptable as an
// identity's display name. Nicknames must be non-empty, at most
// MaxNicknameLength runes, and free of whitespace, control characters
// and '@' (which separates the nickname from the key in identity URIs).
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return errors.New("blank nickname")
	}
	if n := utf8.RuneCountInString(nickname); n > MaxNicknameLength {
		return errors.Newf("nickname is too long: %d runes, the limit is %d", n, MaxNicknameLength)
	}
	if strings.ContainsRune(nickname, '@') {
		return errors.New("nickname may not contain '@'")
	}
	for _, r := range nickname {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.Newf("nickname contains illegal character %q", r)
		}
		if r == utf8.RuneError {
			return errors.New("nickname contains invalid UTF-8")
		}
	}
	return nil
}
