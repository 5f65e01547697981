package coding

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"engagement-pipeline/engagementdb"
)

// AutoCoder proposes a value for a message text.
type AutoCoder func(text string) CleanResult

var autoCoders = map[string]AutoCoder{
	"gender": CleanGender,
	"age":    CleanAge,
	"yes_no": CleanYesNo,
}

// LookupAutoCoder returns the built-in auto-coder registered under name.
func LookupAutoCoder(name string) (AutoCoder, error) {
	c, ok := autoCoders[name]
	if !ok {
		names := make([]string, 0, len(autoCoders))
		for n := range autoCoders {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown auto-coder %q (have %s)", name, strings.Join(names, ", "))
	}
	return c, nil
}

// ApplyAutoCoder runs coder over text and returns the resulting unchecked
// label under scheme. ok is false when the coder could not code the text.
func ApplyAutoCoder(coder AutoCoder, text string, scheme *CodeScheme) (l engagementdb.Label, ok bool, err error) {
	r := coder(text)
	if r.Kind == NotCoded {
		return engagementdb.Label{}, false, nil
	}
	code, err := CodeForResult(scheme, r)
	if err != nil {
		return engagementdb.Label{}, false, err
	}
	return MakeLabel(scheme, code, "auto_coder", false), true, nil
}

var wordRe = regexp.MustCompile(`[a-z]+`)

func words(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// matchOne returns the single value whose keywords appear in text.
func matchOne(text string, keywords map[string]string) CleanResult {
	found := ""
	for _, w := range words(text) {
		v, ok := keywords[w]
		if !ok {
			continue
		}
		if found != "" && found != v {
			return NotCodedResult
		}
		found = v
	}
	if found == "" {
		return NotCodedResult
	}
	return CodedAs(found)
}

var genderKeywords = map[string]string{
	"m": "male", "male": "male", "man": "male", "boy": "male", "lab": "male", "wiil": "male",
	"f": "female", "female": "female", "woman": "female", "girl": "female", "dhedig": "female", "gabar": "female",
}

func CleanGender(text string) CleanResult {
	return matchOne(text, genderKeywords)
}

var yesNoKeywords = map[string]string{
	"yes": "yes", "y": "yes", "haa": "yes", "ndio": "yes",
	"no": "no", "n": "no", "maya": "no", "hapana": "no",
}

func CleanYesNo(text string) CleanResult {
	return matchOne(text, yesNoKeywords)
}

var numberRe = regexp.MustCompile(`\d+`)

// CleanAge takes the single number in text when it is a plausible age.
func CleanAge(text string) CleanResult {
	nums := numberRe.FindAllString(text, -1)
	if len(nums) != 1 {
		return NotCodedResult
	}
	n, err := strconv.Atoi(nums[0])
	if err != nil || n < 10 || n >= 100 {
		return NotCodedResult
	}
	return CodedAs(strconv.Itoa(n))
}
