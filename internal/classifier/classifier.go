// Package classifier routes inbound mail to a folder using the per-account
// sender allow and deny lists.
package classifier

import (
	"strings"

	"github.com/Martian-dev/mailbrain/internal/message"
)

// Lists holds the user-maintained sender lists of one account.
type Lists struct {
	Inbox []string `json:"inbox"`
	Spam  []string `json:"spam"`
	Trash []string `json:"trash"`
}

// Rules is a compiled, case-insensitive view over Lists.
type Rules struct {
	inbox map[string]struct{}
	spam  map[string]struct{}
	trash map[string]struct{}
}

// New compiles l into Rules.
func New(l Lists) *Rules {
	return &Rules{
		inbox: toSet(l.Inbox),
		spam:  toSet(l.Spam),
		trash: toSet(l.Trash),
	}
}

// Classify checks the inbox allow list, then the spam list, then the trash
// list. ok is false when no list names any of the senders.
func (r *Rules) Classify(senders []string) (folder message.Folder, ok bool) {
	switch {
	case r.matches(r.inbox, senders):
		return message.FolderInbox, true
	case r.matches(r.spam, senders):
		return message.FolderSpam, true
	case r.matches(r.trash, senders):
		return message.FolderTrash, true
	}
	return "", false
}

// Folder returns the folder a message fetched from walked should be stored
// under. Only messages found in the inbox are reclassified.
func (r *Rules) Folder(senders []string, walked message.Folder) message.Folder {
	if walked != message.FolderInbox {
		return walked
	}
	if f, ok := r.Classify(senders); ok {
		return f
	}
	return walked
}

func (r *Rules) matches(set map[string]struct{}, senders []string) bool {
	if len(set) == 0 {
		return false
	}
	for _, s := range senders {
		if _, ok := set[normalize(s)]; ok {
			return true
		}
	}
	return false
}

func toSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a = normalize(a); a != "" {
			set[a] = struct{}{}
		}
	}
	return set
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
