package models

// SkillInfo describes one skill file visible to the agent.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"`
}

// SkillList is the response of GET /skills.
type SkillList struct {
	Skills []SkillInfo `json:"skills"`
}
