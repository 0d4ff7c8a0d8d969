package content

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// PropertySet 是从 XML 属性列表解析出的扁平键值表。
type PropertySet map[string]string

// Get 返回 key 对应的值。
func (p PropertySet) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Keys 返回排序后的全部键。
func (p PropertySet) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone 返回独立副本，调用方修改不会影响缓存。
func (p PropertySet) Clone() PropertySet {
	out := make(PropertySet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type propertiesDocument struct {
	XMLName xml.Name        `xml:"properties"`
	Comment string          `xml:"comment,omitempty"`
	Entries []propertyEntry `xml:"entry"`
}

type propertyEntry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// ParseProperties 解析 <properties><entry key="k">v</entry></properties> 格式。
func ParseProperties(raw string) (PropertySet, error) {
	var doc propertiesDocument
	decoder := xml.NewDecoder(strings.NewReader(raw))
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	props := make(PropertySet, len(doc.Entries))
	for _, entry := range doc.Entries {
		if entry.Key == "" {
			return nil, fmt.Errorf("entry without key")
		}
		props[entry.Key] = entry.Value
	}
	return props, nil
}

const propertiesDoctype = `<!DOCTYPE properties SYSTEM "http://java.sun.com/dtd/properties.dtd">`

// XML 以属性列表格式渲染，键按字典序输出。
func (p PropertySet) XML() string {
	doc := propertiesDocument{}
	for _, key := range p.Keys() {
		doc.Entries = append(doc.Entries, propertyEntry{Key: key, Value: p[key]})
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(propertiesDoctype + "\n")
	encoder := xml.NewEncoder(&buf)
	encoder.Indent("", "  ")
	// 只包含字符串字段，编码不会失败。
	_ = encoder.Encode(doc)
	return buf.String()
}
