package observability

// Config captures opt-in observability toggles that wire into the host endpoint.
type Config struct {
	EnablePprofTrace bool
}
