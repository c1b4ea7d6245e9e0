package cache

import "fmt"

// 键语义：
// - documentKey(docID):  文档当前快照 JSON（String，带 TTL，读写都刷新）
// - deltasKey(docID):    待落库的增量日志（List，RPUSH 追加，flush 成功后整体 DEL）
// - roomKey(docID):      房间在线成员集合（Set<userId>）
// - namesKey(docID):     房间内 userId→displayName 映射（Hash）
// - cursorsKey(docID):   房间内 userId→光标位置 JSON 映射（Hash）

const (
	keyDocumentFmt = "document:%s"            // String JSON {"ops":[...]}
	keyDeltasFmt   = "deltas:%s"              // List<delta JSON>
	keyRoomFmt     = "presence:room:%s"       // Set<userId>
	keyNamesFmt    = "presence:room:names:%s" // Hash<userId -> displayName>
	keyCursorsFmt  = "presence:cursors:%s"    // Hash<userId -> position JSON>
)

func documentKey(docID string) string { return fmt.Sprintf(keyDocumentFmt, docID) }
func deltasKey(docID string) string   { return fmt.Sprintf(keyDeltasFmt, docID) }
func roomKey(docID string) string     { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string    { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorsKey(docID string) string  { return fmt.Sprintf(keyCursorsFmt, docID) }
