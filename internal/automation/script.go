//go:build !no_automation

package automation

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a desk automation stored as a .lua file. The first line carries
// the metadata as a JSON comment.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}
