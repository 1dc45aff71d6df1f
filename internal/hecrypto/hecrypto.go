// Package hecrypto is the CKKS Primitive Adapter of spec §4.1: a narrow,
// well-defined interface to the CKKS library. Implementing CKKS itself
// is out of scope (spec §1); this package only calls into
// github.com/tuneinsight/lattigo/v6.
package hecrypto

import (
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/heparams"
)

// Ciphertext and Plaintext are re-exported as-is: the CKKS library's own
// handle types already satisfy spec §3's "opaque value ... comparable
// for equality of parameter lineage" requirement, so the adapter does
// not wrap them in an extra indirection.
type (
	Ciphertext = rlwe.Ciphertext
	Plaintext  = rlwe.Plaintext
)

// Adapter is the narrow interface spec §4.1 describes. All methods are
// deterministic except Encrypt, which consumes randomness from the CKKS
// library.
type Adapter interface {
	Encode(values []float64, level int, scale float64) (*Plaintext, error)
	Decode(pt *Plaintext) ([]float64, error)

	Encrypt(pt *Plaintext) (*Ciphertext, error)
	Decrypt(ct *Ciphertext) (*Plaintext, error)

	Add(a, b *Ciphertext) (*Ciphertext, error)
	AddPlain(a *Ciphertext, b *Plaintext) (*Ciphertext, error)
	Subtract(a, b *Ciphertext) (*Ciphertext, error)
	SubtractPlain(a *Ciphertext, b *Plaintext) (*Ciphertext, error)
	Negate(a *Ciphertext) (*Ciphertext, error)

	Multiply(a, b *Ciphertext) (*Ciphertext, error)
	MultiplyPlain(a *Ciphertext, b *Plaintext) (*Ciphertext, error)

	RescaleToNext(a *Ciphertext) error
	ModSwitchToNext(a *Ciphertext) error
	ModSwitchTo(a *Ciphertext, level int) error
	Relinearize(a *Ciphertext) error

	GetChainIndex(a *Ciphertext) int
	GetScale(a *Ciphertext) float64
	SetScale(a *Ciphertext, scale float64)
	MaxLevel() int
	MaxSlots() int
	NominalScaleAtLevel(level int) float64

	Save(a *Ciphertext) ([]byte, error)
	Load(b []byte) (*Ciphertext, error)
	SavePlain(a *Plaintext) ([]byte, error)
	LoadPlain(b []byte) (*Plaintext, error)

	Clone(a *Ciphertext) *Ciphertext
}

// Context is the lattigoAdapter implementation wrapping a *ckks.Evaluator
// bound to one set of evaluation keys (relinearization + Galois, loaded
// from the client per spec §4.6).
type Context struct {
	params heparams.Parameters
	ckksP  ckks.Parameters

	encoder   *ckks.Encoder
	encryptor *rlwe.Encryptor // nil until a key (pk or sk) is bound
	decryptor *rlwe.Decryptor // nil on the server: the secret key is never present there (spec §4.4)
	evaluator *ckks.Evaluator // nil until the relinearization key is bound
}

// NewServerContext builds a CKKS Context for the server side: it has no
// secret key and no evaluator until the client's public and
// relinearization keys are loaded (spec §4.4 "server setup").
func NewServerContext(p heparams.Parameters) (*Context, error) {
	lit := toLattigoLiteral(p)
	ckksParams, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "hecrypto.NewServerContext", "%w", err)
	}
	return &Context{
		params:  p,
		ckksP:   ckksParams,
		encoder: ckks.NewEncoder(ckksParams),
	}, nil
}

// NewLocalContext builds a self-contained Context that generates its own
// secret key, used for single-process testing (spec §8 round-trip
// properties) where no client is attached.
func NewLocalContext(p heparams.Parameters) (*Context, error) {
	c, err := NewServerContext(p)
	if err != nil {
		return nil, err
	}
	kgen := rlwe.NewKeyGenerator(c.ckksP)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	c.encryptor = rlwe.NewEncryptor(c.ckksP, sk)
	c.decryptor = rlwe.NewDecryptor(c.ckksP, sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk)
	c.evaluator = ckks.NewEvaluator(c.ckksP, evk)
	_ = pk
	return c, nil
}

// BindClientKeys installs the client's public key and relinearization
// key (spec §4.6 "PublicKey, RelinearizationKey (client -> server)"),
// completing server setup.
func (c *Context) BindClientKeys(pk *rlwe.PublicKey, rlk *rlwe.RelinearizationKey, galKeys ...*rlwe.GaloisKey) {
	c.encryptor = rlwe.NewEncryptor(c.ckksP, pk)
	evk := rlwe.NewMemEvaluationKeySet(rlk, galKeys...)
	c.evaluator = ckks.NewEvaluator(c.ckksP, evk)
}

func toLattigoLiteral(p heparams.Parameters) ckks.ParametersLiteral {
	logN := 0
	for n := p.PolyModulusDegree; n > 1; n >>= 1 {
		logN++
	}
	return ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            p.CoeffModulusBits,
		LogDefaultScale: int(log2(p.Scale)),
	}
}

func log2(x float64) float64 {
	// spec's scale is always a power of two in practice (default 2^30);
	// a direct math.Log2 would do, kept local to avoid importing math
	// twice across this small file.
	n := 0.0
	for v := 1.0; v < x; v *= 2 {
		n++
	}
	return n
}

func (c *Context) Encode(values []float64, level int, scale float64) (*Plaintext, error) {
	pt := ckks.NewPlaintext(c.ckksP, level)
	pt.Scale = rlwe.NewScale(scale)
	if err := c.encoder.Encode(values, pt); err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "hecrypto.Encode", "%w", err)
	}
	return pt, nil
}

func (c *Context) Decode(pt *Plaintext) ([]float64, error) {
	values := make([]float64, c.MaxSlots())
	if err := c.encoder.Decode(pt, values); err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "hecrypto.Decode", "%w", err)
	}
	return values, nil
}

func (c *Context) Encrypt(pt *Plaintext) (*Ciphertext, error) {
	if c.encryptor == nil {
		return nil, heerrors.New(heerrors.InvalidParameters, "hecrypto.Encrypt", errNoEncryptor)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "hecrypto.Encrypt", "%w", err)
	}
	return ct, nil
}

func (c *Context) Decrypt(ct *Ciphertext) (*Plaintext, error) {
	if c.decryptor == nil {
		return nil, heerrors.New(heerrors.InvalidParameters, "hecrypto.Decrypt", errNoDecryptor)
	}
	return c.decryptor.DecryptNew(ct), nil
}

func (c *Context) Add(a, b *Ciphertext) (*Ciphertext, error) {
	out, err := c.evaluator.AddNew(a, b)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ScaleMismatch, "hecrypto.Add", "%w", err)
	}
	return out, nil
}

func (c *Context) AddPlain(a *Ciphertext, b *Plaintext) (*Ciphertext, error) {
	out, err := c.evaluator.AddNew(a, b)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ScaleMismatch, "hecrypto.AddPlain", "%w", err)
	}
	return out, nil
}

func (c *Context) Subtract(a, b *Ciphertext) (*Ciphertext, error) {
	out, err := c.evaluator.SubNew(a, b)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ScaleMismatch, "hecrypto.Subtract", "%w", err)
	}
	return out, nil
}

func (c *Context) SubtractPlain(a *Ciphertext, b *Plaintext) (*Ciphertext, error) {
	out, err := c.evaluator.SubNew(a, b)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ScaleMismatch, "hecrypto.SubtractPlain", "%w", err)
	}
	return out, nil
}

func (c *Context) Negate(a *Ciphertext) (*Ciphertext, error) {
	out, err := c.evaluator.NegNew(a)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "hecrypto.Negate", "%w", err)
	}
	return out, nil
}

func (c *Context) Multiply(a, b *Ciphertext) (*Ciphertext, error) {
	out, err := c.evaluator.MulRelinNew(a, b)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ScaleMismatch, "hecrypto.Multiply", "%w", err)
	}
	return out, nil
}

func (c *Context) MultiplyPlain(a *Ciphertext, b *Plaintext) (*Ciphertext, error) {
	out, err := c.evaluator.MulNew(a, b)
	if err != nil {
		return nil, heerrors.Wrap(heerrors.ScaleMismatch, "hecrypto.MultiplyPlain", "%w", err)
	}
	return out, nil
}

func (c *Context) RescaleToNext(a *Ciphertext) error {
	if err := c.evaluator.Rescale(a, a); err != nil {
		return heerrors.Wrap(heerrors.ChainExhausted, "hecrypto.RescaleToNext", "%w", err)
	}
	return nil
}

func (c *Context) ModSwitchToNext(a *Ciphertext) error {
	if a.Level() == 0 {
		return heerrors.New(heerrors.ChainExhausted, "hecrypto.ModSwitchToNext", errChainBottom)
	}
	c.evaluator.DropLevel(a, 1)
	return nil
}

func (c *Context) ModSwitchTo(a *Ciphertext, level int) error {
	if level < 0 || level > a.Level() {
		return heerrors.New(heerrors.ChainExhausted, "hecrypto.ModSwitchTo", errChainBottom)
	}
	c.evaluator.DropLevel(a, a.Level()-level)
	return nil
}

func (c *Context) Relinearize(a *Ciphertext) error {
	if err := c.evaluator.Relinearize(a, a); err != nil {
		return heerrors.Wrap(heerrors.InvalidParameters, "hecrypto.Relinearize", "%w", err)
	}
	return nil
}

func (c *Context) GetChainIndex(a *Ciphertext) int { return a.Level() }

func (c *Context) GetScale(a *Ciphertext) float64 { return a.Scale.Float64() }

func (c *Context) SetScale(a *Ciphertext, scale float64) { a.Scale = rlwe.NewScale(scale) }

func (c *Context) MaxLevel() int { return c.ckksP.MaxLevel() }

func (c *Context) MaxSlots() int { return c.ckksP.MaxSlots() }

func (c *Context) NominalScaleAtLevel(level int) float64 {
	return c.params.Scale
}

func (c *Context) Save(a *Ciphertext) ([]byte, error) {
	b, err := a.MarshalBinary()
	if err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "hecrypto.Save", "%w", err)
	}
	return b, nil
}

func (c *Context) Load(b []byte) (*Ciphertext, error) {
	ct := new(Ciphertext)
	if err := ct.UnmarshalBinary(b); err != nil {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "hecrypto.Load", "%w", err)
	}
	return ct, nil
}

func (c *Context) SavePlain(a *Plaintext) ([]byte, error) {
	b, err := a.MarshalBinary()
	if err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "hecrypto.SavePlain", "%w", err)
	}
	return b, nil
}

func (c *Context) LoadPlain(b []byte) (*Plaintext, error) {
	pt := new(Plaintext)
	if err := pt.UnmarshalBinary(b); err != nil {
		return nil, heerrors.Wrap(heerrors.ClientProtocolErr, "hecrypto.LoadPlain", "%w", err)
	}
	return pt, nil
}

func (c *Context) Clone(a *Ciphertext) *Ciphertext { return a.CopyNew() }

// Params exposes the checked spec parameters backing this Context.
func (c *Context) Params() heparams.Parameters { return c.params }

// MarshalParams serializes the CKKS library's own parameter set, for the
// `library_native_blob` tail of spec §6's "Serialized EncryptionParameters"
// layout (the rest of that layout is framed by heparams.MarshalSerialized,
// which never touches the library handle itself).
func (c *Context) MarshalParams() ([]byte, error) {
	b, err := c.ckksP.MarshalBinary()
	if err != nil {
		return nil, heerrors.Wrap(heerrors.IOErr, "hecrypto.MarshalParams", "%w", err)
	}
	return b, nil
}

var _ Adapter = (*Context)(nil)
