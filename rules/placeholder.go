package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dgc-dev/dccverify/certlogic"
)

var placeholderRe = regexp.MustCompile(`#[^#]*#`)

const displayDateLayout = "02.01.2006"

// ExpandPlaceholders replaces #path# placeholders in a display string with
// the value at that path in the rule input document. Unresolvable
// placeholders become the empty string; bare dates are reformatted for
// display.
func ExpandPlaceholders(s string, doc map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(placeholder string) string {
		path := strings.Trim(placeholder, "#")
		value, err := certlogic.Evaluate(map[string]interface{}{"var": path}, doc)
		if err != nil || value == nil {
			return ""
		}
		text := stringify(value)
		if date, err := time.Parse("2006-01-02", text); err == nil {
			return date.Format(displayDateLayout)
		}
		return text
	})
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case certlogic.DateTime:
		return v.String()
	default:
		return ""
	}
}
