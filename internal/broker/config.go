package broker

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"gopkg.in/ini.v1"
)

// Configuration sections and keys.
const (
	// brokerSection is the section name in the config file for the broker wide configuration.
	brokerSection = "broker"
	// providersKey selects the active providers. Every configured provider is active when empty.
	providersKey            = "providers"
	pathBaseKey             = "path_base"
	errorPathKey            = "error_path"
	allowedReturnOriginsKey = "allowed_return_origins"
	trustForwardedKey       = "trust_forwarded_headers"
	cookieHashKey           = "cookie_hash_key"
	cookieBlockKey          = "cookie_block_key"
	verbosePIIKey           = "verbose_pii"

	// sessionSection is the section name in the config file for the session store.
	sessionSection   = "session"
	storeKey         = "store"
	redisAddrKey     = "redis_addr"
	redisPasswordKey = "redis_password"
	redisDBKey       = "redis_db"
	redisPrefixKey   = "redis_prefix"
	ttlKey           = "ttl"

	// providerSectionPrefix starts the name of every provider section, followed by the scheme name.
	providerSectionPrefix = "provider."
	authorizeParamsSuffix = ".authorize_params"
	claimsSuffix          = ".claims"

	typeKey                = "type"
	displayNameKey         = "display_name"
	authorityKey           = "authority"
	clientIDKey            = "client_id"
	clientSecretKey        = "client_secret"
	scopesKey              = "scopes"
	clearScopesKey         = "clear_scopes"
	usePKCEKey             = "use_pkce"
	userInfoKey            = "userinfo"
	saveTokensKey          = "save_tokens"
	callbackPathKey        = "callback_path"
	signOutCallbackPathKey = "signout_callback_path"
	remoteSignOutPathKey   = "remote_signout_path"
	claimsIssuerKey        = "claims_issuer"
	logoutURLKey           = "logout_url"
	logoutReturnParamKey   = "logout_return_param"
)

// Session store kinds.
const (
	storeMemory = "memory"
	storeRedis  = "redis"
)

const defaultSessionTTL = 8 * time.Hour

// providerConfig is one provider section, not yet turned into a descriptor.
type providerConfig struct {
	typ      string
	settings providers.Settings
}

type sessionConfig struct {
	store         string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	ttl           time.Duration
}

type brokerConfig struct {
	pathBase              string
	errorPath             string
	allowedReturnOrigins  []string
	trustForwardedHeaders bool
	hashKey               []byte
	blockKey              []byte
	verbosePII            bool

	session   sessionConfig
	providers []providerConfig
}

// GetDropInDir returns the path of the directory whose files are merged on top of the configuration file.
func GetDropInDir(cfgPath string) string {
	return cfgPath + ".d"
}

func getDropInFiles(cfgPath string) ([]any, error) {
	// Check if a .d directory exists and return the paths to the files in it.
	dropInDir := GetDropInDir(cfgPath)
	files, err := os.ReadDir(dropInDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dropInFiles []any
	// ReadDir sorts by name, so later files take precedence.
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		dropInFiles = append(dropInFiles, filepath.Join(dropInDir, file.Name()))
	}

	return dropInFiles, nil
}

// parseConfigFile parses the config file and its drop-ins. lookupEnv provides the client secrets which are not in
// the file.
func parseConfigFile(cfgPath string, lookupEnv func(string) (string, bool)) (brokerConfig, error) {
	dropInFiles, err := getDropInFiles(cfgPath)
	if err != nil {
		return brokerConfig{}, err
	}

	iniCfg, err := ini.Load(cfgPath, dropInFiles...)
	if err != nil {
		return brokerConfig{}, err
	}

	// Check if any of the keys still contain the placeholders.
	for _, section := range iniCfg.Sections() {
		for _, key := range section.Keys() {
			if strings.Contains(key.Value(), "<") && strings.Contains(key.Value(), ">") {
				err = errors.Join(err, fmt.Errorf("found invalid character in section %q, key %q", section.Name(), key.Name()))
			}
		}
	}
	if err != nil {
		return brokerConfig{}, fmt.Errorf("config file has invalid values, did you edit the file %q?\n%w", cfgPath, err)
	}

	return parseConfig(iniCfg, lookupEnv)
}

func parseConfig(iniCfg *ini.File, lookupEnv func(string) (string, bool)) (cfg brokerConfig, err error) {
	broker := iniCfg.Section(brokerSection)
	cfg.pathBase = strings.TrimSuffix(broker.Key(pathBaseKey).String(), "/")
	cfg.errorPath = broker.Key(errorPathKey).MustString(consts.DefaultErrorPath)
	cfg.allowedReturnOrigins = splitList(broker.Key(allowedReturnOriginsKey).String())
	if cfg.trustForwardedHeaders, err = boolKey(broker, trustForwardedKey); err != nil {
		return cfg, err
	}
	if cfg.verbosePII, err = boolKey(broker, verbosePIIKey); err != nil {
		return cfg, err
	}
	if cfg.hashKey, err = hexKey(broker, cookieHashKey); err != nil {
		return cfg, err
	}
	if cfg.blockKey, err = hexKey(broker, cookieBlockKey); err != nil {
		return cfg, err
	}
	if n := len(cfg.blockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return cfg, fmt.Errorf("%s must be 16, 24 or 32 bytes long, got %d", cookieBlockKey, n)
	}

	if cfg.session, err = parseSessionConfig(iniCfg.Section(sessionSection)); err != nil {
		return cfg, err
	}

	sections := make(map[string]*ini.Section)
	var order []string
	for _, section := range iniCfg.Sections() {
		scheme, ok := strings.CutPrefix(section.Name(), providerSectionPrefix)
		if !ok || scheme == "" || strings.Contains(scheme, ".") {
			continue
		}
		sections[scheme] = section
		order = append(order, scheme)
	}

	active := splitList(broker.Key(providersKey).String())
	if len(active) == 0 {
		active = order
	}
	for _, scheme := range active {
		section, ok := sections[scheme]
		if !ok {
			err = errors.Join(err, fmt.Errorf("provider %q is active but has no [%s%s] section", scheme, providerSectionPrefix, scheme))
			continue
		}
		p, perr := parseProviderSection(iniCfg, section, scheme, lookupEnv)
		if perr != nil {
			err = errors.Join(err, perr)
			continue
		}
		cfg.providers = append(cfg.providers, p)
	}
	if err != nil {
		return cfg, err
	}

	return cfg, nil
}

func parseSessionConfig(section *ini.Section) (cfg sessionConfig, err error) {
	cfg.store = section.Key(storeKey).MustString(storeMemory)
	if cfg.store != storeMemory && cfg.store != storeRedis {
		return cfg, fmt.Errorf("unknown session store %q", cfg.store)
	}
	cfg.redisAddr = section.Key(redisAddrKey).String()
	cfg.redisPassword = section.Key(redisPasswordKey).String()
	cfg.redisPrefix = section.Key(redisPrefixKey).String()
	if section.HasKey(redisDBKey) {
		if cfg.redisDB, err = section.Key(redisDBKey).Int(); err != nil {
			return cfg, fmt.Errorf("invalid %s: %v", redisDBKey, err)
		}
	}
	cfg.ttl = defaultSessionTTL
	if section.HasKey(ttlKey) {
		if cfg.ttl, err = section.Key(ttlKey).Duration(); err != nil {
			return cfg, fmt.Errorf("invalid %s: %v", ttlKey, err)
		}
	}
	if cfg.store == storeRedis && cfg.redisAddr == "" {
		return cfg, fmt.Errorf("%s is required with the %s store", redisAddrKey, storeRedis)
	}
	return cfg, nil
}

func parseProviderSection(iniCfg *ini.File, section *ini.Section, scheme string, lookupEnv func(string) (string, bool)) (p providerConfig, err error) {
	p.typ = section.Key(typeKey).String()
	if p.typ == "" {
		return p, fmt.Errorf("provider %q has no %s", scheme, typeKey)
	}

	s := providers.Settings{
		SchemeName:          scheme,
		Extra:               make(map[string]string),
		Claims:              childKeys(iniCfg, section.Name()+claimsSuffix),
		AuthorizeParams:     childKeys(iniCfg, section.Name()+authorizeParamsSuffix),
		Scopes:              splitList(section.Key(scopesKey).String()),
		DisplayName:         section.Key(displayNameKey).String(),
		Authority:           section.Key(authorityKey).String(),
		ClientID:            section.Key(clientIDKey).String(),
		ClientSecret:        section.Key(clientSecretKey).String(),
		CallbackPath:        section.Key(callbackPathKey).String(),
		SignOutCallbackPath: section.Key(signOutCallbackPathKey).String(),
		RemoteSignOutPath:   section.Key(remoteSignOutPathKey).String(),
		ClaimsIssuer:        section.Key(claimsIssuerKey).String(),
		LogoutURL:           section.Key(logoutURLKey).String(),
		LogoutReturnParam:   section.Key(logoutReturnParamKey).String(),
	}
	if v, ok := lookupEnv(secretEnvName(scheme)); ok && v != "" {
		s.ClientSecret = v
	}

	var errs []error
	var clearErr error
	s.ClearScopes, clearErr = boolKey(section, clearScopesKey)
	errs = append(errs, clearErr)
	for key, dst := range map[string]**bool{usePKCEKey: &s.UsePKCE, userInfoKey: &s.UserInfo, saveTokensKey: &s.SaveTokens} {
		if !section.HasKey(key) {
			continue
		}
		b, err := section.Key(key).Bool()
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid boolean for %q: %v", key, err))
			continue
		}
		*dst = &b
	}
	if err := errors.Join(errs...); err != nil {
		return p, fmt.Errorf("provider %q: %w", scheme, err)
	}

	for _, key := range section.Keys() {
		if slices.Contains(commonProviderKeys, key.Name()) {
			continue
		}
		s.Extra[key.Name()] = key.String()
	}

	p.settings = s
	return p, nil
}

var commonProviderKeys = []string{
	typeKey, displayNameKey, authorityKey, clientIDKey, clientSecretKey, scopesKey, clearScopesKey, usePKCEKey,
	userInfoKey, saveTokensKey, callbackPathKey, signOutCallbackPathKey, remoteSignOutPathKey, claimsIssuerKey,
	logoutURLKey, logoutReturnParamKey,
}

// secretEnvName returns the environment variable holding the client secret of scheme.
func secretEnvName(scheme string) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(scheme))
	return fmt.Sprintf("%s_%s_CLIENT_SECRET", consts.EnvPrefix, name)
}

// childKeys returns the keys of the optional section name as a map.
func childKeys(iniCfg *ini.File, name string) map[string]string {
	section, err := iniCfg.GetSection(name)
	if err != nil {
		return nil
	}
	m := make(map[string]string)
	for _, key := range section.Keys() {
		m[key.Name()] = key.String()
	}
	return m
}

func splitList(v string) []string {
	var l []string
	for _, e := range strings.Split(v, ",") {
		if e = strings.TrimSpace(e); e != "" {
			l = append(l, e)
		}
	}
	return l
}

func boolKey(section *ini.Section, key string) (bool, error) {
	if !section.HasKey(key) || section.Key(key).String() == "" {
		return false, nil
	}
	b, err := section.Key(key).Bool()
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %q: %v", key, err)
	}
	return b, nil
}

func hexKey(section *ini.Section, key string) ([]byte, error) {
	v := section.Key(key).String()
	if v == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s is not an hexadecimal string: %v", key, err)
	}
	return b, nil
}
