package delta

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           // "retain" / "insert" / "delete"
	Count int            // retain/delete 的长度（按 rune 计）
	Text  string         // insert 的文本
	Attrs map[string]any // 样式属性（粗体/颜色等）
}

// Delta 是一段有序的操作序列，既表示一次编辑，也表示整篇文档
// （文档 = 纯 insert 的 Delta）。
type Delta []Op

// 线上/落库格式与 quill 对齐：
// {"ops":[{"retain":5},{"insert":"Hello","attributes":{"bold":true}},{"delete":2}]}
type document struct {
	Ops Delta `json:"ops"`
}

// MarshalJSON 输出 quill 风格的单键操作对象。
// map 序列化时按键名排序，因此同一操作的编码是规范化的，
// 可以直接用字节比较做去重判断。
func (o Op) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 2)
	switch o.Kind {
	case KindRetain:
		m["retain"] = o.Count
	case KindInsert:
		m["insert"] = o.Text
	case KindDelete:
		m["delete"] = o.Count
	default:
		return nil, fmt.Errorf("unknown op kind %q", o.Kind)
	}
	if len(o.Attrs) > 0 {
		m["attributes"] = o.Attrs
	}
	return json.Marshal(m)
}

func (o *Op) UnmarshalJSON(data []byte) error {
	var raw struct {
		Retain     *int           `json:"retain"`
		Insert     *string        `json:"insert"`
		Delete     *int           `json:"delete"`
		Attributes map[string]any `json:"attributes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// 同时出现多个键或一个都没有的操作留给 validate 拒绝，
	// 解析阶段不报错，避免一条坏消息把整个读循环打断。
	switch {
	case raw.Insert != nil:
		o.Kind, o.Text = KindInsert, *raw.Insert
	case raw.Retain != nil:
		o.Kind, o.Count = KindRetain, *raw.Retain
	case raw.Delete != nil:
		o.Kind, o.Count = KindDelete, *raw.Delete
	default:
		o.Kind = ""
	}
	o.Attrs = raw.Attributes
	return nil
}

// Encode 输出 {"ops":[...]} 形式的规范化 JSON。
func Encode(d Delta) ([]byte, error) {
	if d == nil {
		d = Delta{}
	}
	return json.Marshal(document{Ops: d})
}

// Decode 解析 {"ops":[...]}。空输入视为一篇空文档。
func Decode(data []byte) (Delta, error) {
	if len(data) == 0 {
		return Delta{}, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Ops == nil {
		doc.Ops = Delta{}
	}
	return doc.Ops, nil
}

func opLen(o Op) int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// DocLength 返回文档（纯 insert Delta）的长度，按 rune 计。
func (d Delta) DocLength() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindInsert {
			n += utf8.RuneCountInString(op.Text)
		}
	}
	return n
}

// consumedLength 是这条 delta 作用到文档上时会消费掉的长度（retain+delete）。
func (d Delta) consumedLength() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindRetain || op.Kind == KindDelete {
			n += op.Count
		}
	}
	return n
}

// 属性值来自 JSON，可能是嵌套结构，用 DeepEqual 而不是 ==。
func sameAttrs(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// push 追加一个操作，能合并时与末尾操作合并
// （同类 insert 接文本，同类 retain/delete 加长度，属性必须一致）。
func (d Delta) push(o Op) Delta {
	if opLen(o) == 0 {
		return d
	}
	if n := len(d); n > 0 {
		last := d[n-1]
		if last.Kind == o.Kind && sameAttrs(last.Attrs, o.Attrs) {
			switch o.Kind {
			case KindInsert:
				last.Text += o.Text
			case KindRetain, KindDelete:
				last.Count += o.Count
			}
			d[n-1] = last
			return d
		}
	}
	return append(d, o)
}

// chop 去掉末尾无属性的 retain，它对文档没有任何效果。
func (d Delta) chop() Delta {
	if n := len(d); n > 0 {
		last := d[n-1]
		if last.Kind == KindRetain && len(last.Attrs) == 0 {
			return d[:n-1]
		}
	}
	return d
}
