package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProperties = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE properties SYSTEM "http://java.sun.com/dtd/properties.dtd">
<properties>
  <comment>menu texts</comment>
  <entry key="menu.home">Hjem</entry>
  <entry key="menu.logout">Logg ut &amp; avslutt</entry>
  <entry key="empty"></entry>
</properties>`

func TestParseProperties(t *testing.T) {
	props, err := ParseProperties(sampleProperties)
	require.NoError(t, err)
	assert.Equal(t, PropertySet{
		"menu.home":   "Hjem",
		"menu.logout": "Logg ut & avslutt",
		"empty":       "",
	}, props)
	assert.Equal(t, []string{"empty", "menu.home", "menu.logout"}, props.Keys())
}

func TestParsePropertiesEmptyDocument(t *testing.T) {
	props, err := ParseProperties("<properties/>")
	require.NoError(t, err)
	assert.NotNil(t, props)
	assert.Empty(t, props)
}

func TestParsePropertiesErrors(t *testing.T) {
	for name, raw := range map[string]string{
		"html":           "<html><body>error</body></html>",
		"truncated":      "<properties><entry key=\"a\">x",
		"missing key":    "<properties><entry>x</entry></properties>",
		"not xml at all": "plain text body that is long enough to pass validation checks",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProperties(raw)
			assert.Error(t, err)
		})
	}
}

func TestPropertySetXMLRoundTrip(t *testing.T) {
	props := PropertySet{"b": "2 < 3", "a": "1"}
	parsed, err := ParseProperties(props.XML())
	require.NoError(t, err)
	assert.Equal(t, props, parsed)
}

func TestPropertySetClone(t *testing.T) {
	props := PropertySet{"a": "1"}
	clone := props.Clone()
	clone["a"] = "2"
	v, _ := props.Get("a")
	assert.Equal(t, "1", v)
}
