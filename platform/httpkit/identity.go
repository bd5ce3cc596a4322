package httpkit

import (
	"github.com/gin-gonic/gin"
)

// Operator is the authenticated operator behind a request.
type Operator struct {
	Subject string
	Roles   []string
}

// HasRole checks if the operator has a specific role.
func (o Operator) HasRole(role string) bool {
	for _, r := range o.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// GetOperator extracts the operator set by AuthRequired.
func GetOperator(c *gin.Context) (Operator, bool) {
	subject := c.GetString(ContextSubjectKey)
	if subject == "" {
		return Operator{}, false
	}
	roles, _ := c.Get(ContextRolesKey)
	list, _ := roles.([]string)
	return Operator{Subject: subject, Roles: list}, true
}
