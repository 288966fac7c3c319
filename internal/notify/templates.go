package notify

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"reengagement-scheduler/internal/models"
)

// Render substitutes the %placeholder% variables in every template.
func Render(t models.Templates, course models.Course, user models.User) models.Templates {
	r := strings.NewReplacer(
		"%courseshortname%", course.ShortName,
		"%coursefullname%", course.FullName,
		"%courseid%", strconv.FormatInt(course.ID, 10),
		"%userfirstname%", user.FirstName,
		"%userlastname%", user.LastName,
		"%userid%", strconv.FormatInt(user.ID, 10),
		"%usercity%", user.City,
		"%userinstitution%", user.Institution,
		"%userdepartment%", user.Department,
		"%usergroups%", strings.Join(user.Groups, ", "),
	)
	return models.Templates{
		Subject:           r.Replace(t.Subject),
		Content:           r.Replace(t.Content),
		ManagerSubject:    r.Replace(t.ManagerSubject),
		ManagerContent:    r.Replace(t.ManagerContent),
		ThirdPartySubject: r.Replace(t.ThirdPartySubject),
		ThirdPartyContent: r.Replace(t.ThirdPartyContent),
	}
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "table": true, "blockquote": true,
}

// HTMLToText strips tags from s. Block elements become line breaks, runs of
// whitespace collapse and script and style content is dropped.
func HTMLToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var (
		b    strings.Builder
		skip int
	)
	newline := func() {
		text := b.String()
		if text != "" && !strings.HasSuffix(text, "\n") {
			b.WriteString("\n")
		}
	}
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tidy(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockTags[tag] {
				newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				newline()
			}
		case html.TextToken:
			if skip == 0 {
				b.WriteString(strings.Map(func(r rune) rune {
					if unicode.IsSpace(r) {
						return ' '
					}
					return r
				}, string(z.Text())))
			}
		}
	}
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
