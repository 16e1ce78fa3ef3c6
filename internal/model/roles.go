package model

// Action is something an actor may or may not be allowed to do.
type Action string

const (
	ActionManageExam     Action = "exam.manage"
	ActionPublishExam    Action = "exam.publish"
	ActionStartExam      Action = "exam.start"
	ActionEndExam        Action = "exam.end"
	ActionPublishResults Action = "exam.publish_results"
	ActionReopenExam     Action = "exam.reopen"
	ActionJoinExam       Action = "attempt.join"
	ActionSubmitAttempt  Action = "attempt.submit"
	ActionForceSubmit    Action = "attempt.force_submit"
	ActionGrade          Action = "response.grade"
	ActionMonitor        Action = "exam.monitor"
	ActionAnnounce       Action = "exam.announce"
	ActionCreateLock     Action = "lock.create"
	ActionOverrideLock   Action = "lock.override"
	ActionVerifyAudit    Action = "audit.verify"
)

var capabilities = map[UserRole]map[Action]bool{
	UserRoleStudent: {
		ActionJoinExam:      true,
		ActionSubmitAttempt: true,
	},
	UserRoleProctor: {
		ActionMonitor:  true,
		ActionAnnounce: true,
	},
	UserRoleTeacher: {
		ActionManageExam:     true,
		ActionPublishExam:    true,
		ActionStartExam:      true,
		ActionEndExam:        true,
		ActionPublishResults: true,
		ActionGrade:          true,
		ActionMonitor:        true,
		ActionAnnounce:       true,
		ActionCreateLock:     true,
	},
}

// Can reports whether role may perform action. Admin is the superuser and
// may do everything except sit an exam.
func Can(role UserRole, action Action) bool {
	if role == UserRoleAdmin {
		return action != ActionJoinExam && action != ActionSubmitAttempt
	}
	return capabilities[role][action]
}

// ValidRole reports whether r is a known role.
func ValidRole(r UserRole) bool {
	switch r {
	case UserRoleStudent, UserRoleTeacher, UserRoleProctor, UserRoleAdmin:
		return true
	}
	return false
}
