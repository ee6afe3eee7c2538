package appraisal

import (
	"appraise.org/internal/auth"
	"appraise.org/internal/directory"
)

// Facts is what access decisions about one appraisal are made from.
type Facts struct {
	Appraisal  Appraisal
	Subject    directory.Employee
	Appraisers []AppraiserAssignment
}

func (f Facts) isSubject(p auth.Principal) bool {
	return p.EmployeeID != "" && p.EmployeeID == f.Appraisal.EmployeeID
}

func (f Facts) isDirectManager(p auth.Principal) bool {
	return p.EmployeeID != "" && f.Subject.ManagerID == p.EmployeeID
}

func (f Facts) appraiserRole(p auth.Principal) (AppraiserRole, bool) {
	if p.EmployeeID == "" {
		return "", false
	}
	for _, a := range f.Appraisers {
		if a.AppraiserID == p.EmployeeID {
			return a.Role, true
		}
	}
	return "", false
}

// IsPrimary reports whether p is the registered primary appraiser.
func (f Facts) IsPrimary(p auth.Principal) bool {
	r, ok := f.appraiserRole(p)
	return ok && r == AppraiserPrimary
}

func (f Facts) IsSecondary(p auth.Principal) bool {
	r, ok := f.appraiserRole(p)
	return ok && r == AppraiserSecondary
}

// HasSecondary reports whether any secondary appraiser is registered.
func (f Facts) HasSecondary() bool {
	for _, a := range f.Appraisers {
		if a.Role == AppraiserSecondary {
			return true
		}
	}
	return false
}

func CanView(p auth.Principal, f Facts) bool {
	if !p.Authenticated() || p.OrganizationID != f.Appraisal.OrganizationID {
		return false
	}
	if f.isSubject(p) || f.isDirectManager(p) {
		return true
	}
	if _, ok := f.appraiserRole(p); ok {
		return true
	}
	return p.HasPermission(auth.PermViewAllAppraisals)
}

// CanEdit decides edits and transitions. The reason is for the audit trail.
func CanEdit(p auth.Principal, f Facts) (bool, string) {
	if !p.Authenticated() || p.OrganizationID != f.Appraisal.OrganizationID {
		return false, "outside organization"
	}
	if f.Appraisal.Status.Terminal() {
		return false, "appraisal is completed"
	}
	if f.isSubject(p) {
		return false, "employees cannot edit their own appraisal"
	}
	if f.Appraisal.Status == StatusAwaitingSecondary {
		if f.IsSecondary(p) || p.MinRoleSatisfied(auth.RoleDirector) {
			return true, ""
		}
		return false, "awaiting secondary review"
	}
	if p.MinRoleSatisfied(auth.RoleDirector) {
		return true, ""
	}
	if _, ok := f.appraiserRole(p); ok {
		return true, ""
	}
	if p.MinRoleSatisfied(auth.RoleManager) && f.isDirectManager(p) {
		return true, ""
	}
	return false, "not an appraiser or direct manager"
}

// CanManage decides who may create appraisals for subject and assign their
// appraisers: directors and above, or a manager one level above subject.
// Nobody manages their own appraisal.
func CanManage(p auth.Principal, subject directory.Employee) bool {
	if !p.Authenticated() || p.OrganizationID != subject.OrganizationID {
		return false
	}
	if p.EmployeeID != "" && p.EmployeeID == subject.ID {
		return false
	}
	if p.MinRoleSatisfied(auth.RoleDirector) {
		return true
	}
	return p.MinRoleSatisfied(auth.RoleManager) && p.EmployeeID != "" && subject.ManagerID == p.EmployeeID
}

// CanComplete gates the move into completed.
func CanComplete(p auth.Principal, f Facts) bool {
	return p.MinRoleSatisfied(auth.RoleManager) || f.IsPrimary(p)
}
