package router

// RateLimitOverride replaces the global per-window limits for one route.
// Zero fields fall back to the global limit.
type RateLimitOverride struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// Route is one routing rule as configured.
type Route struct {
	// Path is the match pattern. Literal segments match themselves,
	// {name} captures one segment, * matches one unnamed segment, and a
	// trailing ** matches the rest of the path. A trailing slash makes
	// the pattern a prefix match.
	Path string `yaml:"path"`
	// Service is the backend service name handed to discovery.
	Service string `yaml:"service"`
	// Methods restricts the HTTP methods; empty allows all.
	Methods []string `yaml:"methods"`
	// AuthRequired gates the route behind authentication.
	AuthRequired bool `yaml:"auth_required"`
	// TimeoutSeconds bounds the backend call; 0 uses the default.
	TimeoutSeconds int `yaml:"timeout"`
	// StripPrefix removes the route's literal prefix from the path
	// before forwarding.
	StripPrefix bool `yaml:"strip_prefix"`
	// RewritePath replaces the path entirely; {name} references expand
	// captured parameters.
	RewritePath string `yaml:"rewrite_path"`
	// Headers are extra headers merged into the forwarded request.
	Headers map[string]string `yaml:"headers"`
	// RateLimit optionally overrides the global limits for this route.
	RateLimit *RateLimitOverride `yaml:"rate_limit"`
}

// LiteralPrefix returns the leading literal segments of the pattern,
// stopping at the first parameter or wildcard. "/api/users/{id}" gives
// "/api/users".
func (r *Route) LiteralPrefix() string {
	pattern := r.Path
	if pattern == "/" {
		return "/"
	}
	out := ""
	for _, part := range splitPath(pattern) {
		if part == "*" || part == "**" || (len(part) > 1 && part[0] == '{') {
			break
		}
		out += "/" + part
	}
	if out == "" {
		return "/"
	}
	return out
}

// Match is a successful lookup.
type Match struct {
	Route  *Route
	Params map[string]string
}
