package delta

import "errors"

var ErrMalformedDelta = errors.New("MALFORMED_DELTA")

// Compose 把一条编辑 delta 合并到文档内容上，返回新文档。
// 纯函数：出错时原样返回 content，绝不让一条坏 delta 污染文档。
//
// 并发策略（刻意保留的简化）：同一文档的 delta 严格按服务端
// 接收顺序逐条合并，没有针对并发 delta 的位置重映射；
// 同区域的并发编辑以后到者为准。
func Compose(content Delta, d Delta) (Delta, error) {
	if err := validate(content, d); err != nil {
		return content, err
	}
	return content.Compose(d), nil
}

// validate 检查 delta 自身的形状以及它与当前文档长度是否一致。
func validate(content Delta, d Delta) error {
	for _, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return ErrMalformedDelta
			}
		case KindInsert:
			if op.Text == "" {
				return ErrMalformedDelta
			}
		default:
			return ErrMalformedDelta
		}
	}
	if d.consumedLength() > content.DocLength() {
		return ErrMalformedDelta
	}
	return nil
}

// Compose 返回 d ∘ other：先应用 d、再应用 other 的等价 delta。
// 满足结合律 compose(compose(s,d1),d2) == compose(s, compose(d1,d2))，
// 但不满足交换律——应用顺序不同结果不同。
// 调用方保证两条 delta 都是良构的（入口处已 validate）。
func (d Delta) Compose(other Delta) Delta {
	a := newIterator(d)
	b := newIterator(other)
	out := Delta{}
	for a.hasNext() || b.hasNext() {
		// other 的 insert 不消费 d 的任何内容，直接产出
		if b.peekKind() == KindInsert {
			out = out.push(b.next(-1))
			continue
		}
		// d 的 delete 在 other 眼里不可见，原样保留
		if a.peekKind() == KindDelete {
			out = out.push(a.next(-1))
			continue
		}
		n := min(a.peekLen(), b.peekLen())
		aOp := a.next(n)
		bOp := b.next(n)
		switch bOp.Kind {
		case KindRetain:
			merged := aOp
			merged.Attrs = composeAttrs(aOp.Attrs, bOp.Attrs, aOp.Kind == KindRetain)
			out = out.push(merged)
		case KindDelete:
			if aOp.Kind == KindRetain {
				out = out.push(Op{Kind: KindDelete, Count: opLen(bOp)})
			}
			// delete 吃掉 d 的 insert：两者抵消，什么都不产出
		}
	}
	return out.chop()
}

// composeAttrs 合并属性：b 覆盖 a，b 里的显式 nil 表示清除。
// keepNil 为 true 时（基操作是 retain）保留 nil 标记，留待后续合并时生效。
func composeAttrs(a, b map[string]any, keepNil bool) map[string]any {
	merged := make(map[string]any, len(a)+len(b))
	for k, v := range b {
		merged[k] = v
	}
	for k, v := range a {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	if !keepNil {
		for k, v := range merged {
			if v == nil {
				delete(merged, k)
			}
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

const maxLen = int(^uint(0) >> 1)

// iterator 按任意长度切分地遍历操作序列（quill 的 OpIterator 思路）。
type iterator struct {
	ops    Delta
	index  int
	offset int // 当前操作内已经消费的长度
}

func newIterator(d Delta) *iterator {
	return &iterator{ops: d}
}

func (it *iterator) hasNext() bool {
	return it.index < len(it.ops)
}

func (it *iterator) peekLen() int {
	if !it.hasNext() {
		return maxLen
	}
	return opLen(it.ops[it.index]) - it.offset
}

// 序列耗尽后视为无限长的 retain（隐式保留余下全部内容）。
func (it *iterator) peekKind() Kind {
	if !it.hasNext() {
		return KindRetain
	}
	return it.ops[it.index].Kind
}

// next 取出最多 n 长度的一段操作；n < 0 表示取完当前操作的剩余部分。
func (it *iterator) next(n int) Op {
	if !it.hasNext() {
		return Op{Kind: KindRetain, Count: n}
	}
	cur := it.ops[it.index]
	remaining := opLen(cur) - it.offset
	if n < 0 || n >= remaining {
		n = remaining
	}
	out := Op{Kind: cur.Kind, Attrs: cur.Attrs}
	switch cur.Kind {
	case KindInsert:
		runes := []rune(cur.Text)
		out.Text = string(runes[it.offset : it.offset+n])
	default:
		out.Count = n
	}
	it.offset += n
	if it.offset >= opLen(cur) {
		it.index++
		it.offset = 0
	}
	return out
}
