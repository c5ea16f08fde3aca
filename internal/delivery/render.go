package delivery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxzi/outreach/internal/models"
)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// leadVariables builds the substitution map for one lead.
// Priority: lead variables JSON > lead fields > checkpoint fields.
func leadVariables(cp *models.Checkpoint, lead *models.Lead) map[string]string {
	vars := map[string]string{
		"checkpoint_name": cp.Name,
		"campaign_id":     cp.CampaignID,
		"email":           lead.Email,
		"first_name":      lead.FirstName,
		"last_name":       lead.LastName,
		"company":         lead.Company,
	}
	if name := strings.TrimSpace(lead.FirstName + " " + lead.LastName); name != "" {
		vars["name"] = name
	}

	return mergeVariables(vars, lead.Variables)
}

// mergeVariables overlays the JSON object on base. Non-string JSON values are
// rendered with their default formatting; malformed JSON is ignored.
func mergeVariables(base map[string]string, leadJSON string) map[string]string {
	result := make(map[string]string, len(base))
	for k, v := range base {
		result[k] = v
	}

	if leadJSON == "" {
		return result
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(leadJSON), &extra); err != nil {
		return result
	}
	for k, v := range extra {
		switch val := v.(type) {
		case string:
			result[k] = val
		case nil:
			result[k] = ""
		default:
			result[k] = fmt.Sprint(val)
		}
	}
	return result
}

// renderTemplate substitutes {{variable}} patterns; unknown variables are kept verbatim
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	})
}
