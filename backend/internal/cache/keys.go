package cache

import (
	"fmt"
	"strings"
)

// Key layout:
// - roomKey(docID):  open editors of a document (ZSet<userId, expireAtUnix>)
// - namesKey(docID): userId -> username of those editors (Hash)
// - leaseKey(docID): block locks of a document (Hash<blockId, "untilMs|holder">)
//
// The {docID:...} hash tag keeps a document's keys on one cluster slot, so
// the Lua scripts touching room and names together stay valid on a cluster.

const (
	presencePrefix = "presence:room:"
	keyRoomFmt     = presencePrefix + "{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt    = presencePrefix + "names:{docID:%s}" // Hash<userId -> username>
	keyLeaseFmt    = "lease:doc:{docID:%s}"              // Hash<blockId -> untilMs|holder>
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func leaseKey(docID string) string { return fmt.Sprintf(keyLeaseFmt, docID) }

// docFromRoomKey is the inverse of roomKey. ok is false for names keys.
func docFromRoomKey(key string) (string, bool) {
	rest, found := strings.CutPrefix(key, presencePrefix+"{docID:")
	if !found {
		return "", false
	}
	docID, found := strings.CutSuffix(rest, "}")
	return docID, found && docID != ""
}
