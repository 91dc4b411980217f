package codegen

import (
	"fmt"
	"io"
	"strings"
)

// RuntimeGenerator emits the C99 runtime the generated program links
// against: the value model with tagged immediates, the region ABI,
// epoch borrows, escape repair, RC with swappable atomic policy, and
// the primitive operations. Each Generate* method emits one concern;
// GenerateAll emits the full translation-unit prelude.
type RuntimeGenerator struct {
	w        io.Writer
	registry *TypeRegistry
}

// NewRuntimeGenerator creates a generator writing to w.
func NewRuntimeGenerator(w io.Writer, registry *TypeRegistry) *RuntimeGenerator {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	return &RuntimeGenerator{w: w, registry: registry}
}

func (g *RuntimeGenerator) emit(format string, args ...interface{}) {
	fmt.Fprintf(g.w, format, args...)
}

func (g *RuntimeGenerator) emitRaw(s string) {
	io.WriteString(g.w, s)
}

// GenerateHeader emits includes, the value model, tagged immediates,
// and the atomic-policy macros.
func (g *RuntimeGenerator) GenerateHeader() {
	g.emitRaw(`/* omni compiler output -- C99 translation unit */
/* Region-based memory with epoch borrows; RC only at region rank. */

#define _POSIX_C_SOURCE 200112L

#include <stdlib.h>
#include <stdio.h>
#include <stdint.h>
#include <string.h>
#include <setjmp.h>
#include <pthread.h>
#include <stdatomic.h>

typedef struct Obj Obj;
typedef struct Region Region;
typedef struct BorrowRef BorrowRef;

/* ---- Atomic policy macros ----
 * Thread-shared objects route RC through these; thread-local code may
 * redefine them to plain ops. Increments are relaxed; the
 * decrement-to-zero path is acquire/release so finalization publishes.
 */
#define ATOMIC_INC_REF(p) atomic_fetch_add_explicit((p), 1, memory_order_relaxed)
#define ATOMIC_DEC_REF(p) atomic_fetch_sub_explicit((p), 1, memory_order_acq_rel)
#define ATOMIC_LOAD_ACQ(p) atomic_load_explicit((p), memory_order_acquire)
#define SPAWN_THREAD(tid, fn, arg) pthread_create((tid), NULL, (fn), (arg))

/* ---- Tagged immediates ----
 * Low 3 bits tag the word. Integers fitting 60 signed bits, booleans,
 * characters, nothing and the empty list never allocate.
 *
 *   000  heap pointer (8-byte aligned)
 *   001  integer
 *   010  character
 *   011  boolean
 *   100  nothing / unit
 */
#define IMM_MASK      0x7ULL
#define IMM_PTR       0x0ULL
#define IMM_INT       0x1ULL
#define IMM_CHAR      0x2ULL
#define IMM_BOOL      0x3ULL
#define IMM_NOTHING   0x4ULL

#define IMM_TAG(p)       (((uintptr_t)(p)) & IMM_MASK)
#define IS_IMMEDIATE(p)  (IMM_TAG(p) != IMM_PTR)
#define IS_IMM_INT(p)    (IMM_TAG(p) == IMM_INT)
#define IS_IMM_CHAR(p)   (IMM_TAG(p) == IMM_CHAR)
#define IS_IMM_BOOL(p)   (IMM_TAG(p) == IMM_BOOL)
#define IS_IMM_NOTHING(p) (IMM_TAG(p) == IMM_NOTHING)
#define IS_BOXED(p)      (IMM_TAG(p) == IMM_PTR && (p) != NULL)

#define MK_IMM_INT(n)    ((Obj*)((((uintptr_t)(int64_t)(n)) << 3) | IMM_INT))
#define IMM_INT_VAL(p)   (((int64_t)(uintptr_t)(p)) >> 3)
#define MK_IMM_CHAR(c)   ((Obj*)((((uintptr_t)(uint32_t)(c)) << 3) | IMM_CHAR))
#define IMM_CHAR_VAL(p)  ((uint32_t)(((uintptr_t)(p)) >> 3))
#define MK_IMM_BOOL(b)   ((Obj*)((((uintptr_t)((b) ? 1 : 0)) << 3) | IMM_BOOL))
#define IMM_BOOL_VAL(p)  ((((uintptr_t)(p)) >> 3) != 0)
#define OMNI_TRUE        MK_IMM_BOOL(1)
#define OMNI_FALSE       MK_IMM_BOOL(0)
#define OMNI_NOTHING     ((Obj*)IMM_NOTHING)
#define OMNI_NIL         ((Obj*)NULL)

/* Heap tags */
typedef enum {
    TAG_FLOAT = 1,
    TAG_PAIR,
    TAG_SYM,
    TAG_STRING,
    TAG_ARRAY,
    TAG_DICT,
    TAG_BOX,
    TAG_CLOSURE,
    TAG_ATOM,
    TAG_ERROR,
    TAG_THREAD
} ObjTag;

#define TAG_USER_BASE 1000

typedef Obj* (*ClosureFn)(Obj** captures, Obj** args, int n);

struct Obj {
    int tag;
    Region* region;
    union {
        double f;
        struct { Obj* car; Obj* cdr; } pair;
        struct { const char* name; } sym;
        struct { char* bytes; int len; } str;
        struct { Obj** items; int len; int cap; int has_boxed; } array;
        struct { Obj** keys; Obj** vals; int len; int cap; } dict;
        struct { Obj* cell; } box;
        struct { ClosureFn fn; Obj** captures; BorrowRef** refs;
                 int n_captures; int arity; const char* name; } closure;
        struct { _Atomic(Obj*) cell; } atom;
        struct { const char* msg; } error;
        struct { pthread_t tid; Obj* result; _Atomic int done;
                 _Atomic int canceled; } thread;
        struct { Obj** fields; int n_fields; } user;
    } as;
};

static Obj* is_truthy_obj(Obj* v);
static int is_truthy(Obj* v);
static void region_release_internal(Region* r);
static void region_retain_internal(Region* r);
`)
}

// GenerateRegionRuntime emits the region ABI: bulk arenas with byte
// accounting, an inline buffer, the scope_alive/external_rc liveness
// rule, epochs, tethering, and the store barrier's partial order.
func (g *RuntimeGenerator) GenerateRegionRuntime() {
	g.emitRaw(`
/* ---- Regions ---- */

typedef struct RegionChunk {
    struct RegionChunk* next;
    size_t used;
    size_t cap;
    /* payload follows */
} RegionChunk;

#define REGION_INLINE_CAP 512
#define REGION_CHUNK_CAP  (16 * 1024)

struct Region {
    uint64_t id;
    uint64_t seq;        /* creation order: the store-barrier partial order */
    const char* name;

    int scope_alive;
    _Atomic int external_rc;
    _Atomic uint64_t epoch;

    size_t bytes;
    size_t peak;
    size_t quota;        /* 0 = unlimited; debug abort past it */
    int chunk_count;

    unsigned char inline_buf[REGION_INLINE_CAP];
    size_t inline_used;
    RegionChunk* chunks;

    struct Region* next_live;
};

static uint64_t g_region_seq = 0;
static Region* g_live_regions = NULL;

/* alive iff scope_alive OR external_rc > 0 */
static int region_alive(Region* r) {
    return r && (r->scope_alive || ATOMIC_LOAD_ACQ(&r->external_rc) > 0);
}

static Region* region_create(void) {
    Region* r = calloc(1, sizeof(Region));
    if (!r) { fprintf(stderr, "omni: out of memory\n"); exit(1); }
    r->id = ++g_region_seq;
    r->seq = r->id;
    r->scope_alive = 1;
    r->next_live = g_live_regions;
    g_live_regions = r;
    return r;
}

static void* region_alloc(Region* r, size_t size) {
    if (!region_alive(r)) {
        fprintf(stderr, "omni: allocation in dead region %llu\n",
                (unsigned long long)r->id);
        exit(1);
    }
    size = (size + 7) & ~(size_t)7;
    if (r->quota && r->bytes + size > r->quota) {
        fprintf(stderr, "omni: region %llu quota exceeded (%zu + %zu > %zu)\n",
                (unsigned long long)r->id, r->bytes, size, r->quota);
        exit(1);
    }
    void* p;
    if (r->inline_used + size <= REGION_INLINE_CAP) {
        p = r->inline_buf + r->inline_used;
        r->inline_used += size;
    } else {
        RegionChunk* c = r->chunks;
        if (!c || c->used + size > c->cap) {
            size_t cap = size > REGION_CHUNK_CAP ? size : REGION_CHUNK_CAP;
            c = malloc(sizeof(RegionChunk) + cap);
            if (!c) { fprintf(stderr, "omni: out of memory\n"); exit(1); }
            c->next = r->chunks;
            c->used = 0;
            c->cap = cap;
            r->chunks = c;
            r->chunk_count++;
        }
        p = (unsigned char*)(c + 1) + c->used;
        c->used += size;
    }
    r->bytes += size;
    if (r->bytes > r->peak) r->peak = r->bytes;
    return p;
}

/* idempotent */
static void region_exit(Region* r) {
    if (r) r->scope_alive = 0;
}

static void region_retain_internal(Region* r) {
    if (r) ATOMIC_INC_REF(&r->external_rc);
}

static void region_free_storage(Region* r) {
    RegionChunk* c = r->chunks;
    while (c) {
        RegionChunk* next = c->next;
        free(c);
        c = next;
    }
    r->chunks = NULL;
    r->chunk_count = 0;
    r->bytes = 0;
    r->inline_used = 0;
}

/* idempotent; the epoch increment is sequenced with the destruction */
static void region_destroy_if_dead(Region* r) {
    if (!r || region_alive(r)) return;
    if (!r->chunks && r->bytes == 0 && r->inline_used == 0) return;
    region_free_storage(r);
    atomic_fetch_add_explicit(&r->epoch, 1, memory_order_release);
}

static void region_release_internal(Region* r) {
    if (!r) return;
    if (ATOMIC_DEC_REF(&r->external_rc) == 1) {
        region_destroy_if_dead(r);
    }
}

/* scope-bounded borrow: pin the region for the borrow's duration */
static void region_tether_start(Region* r) {
    region_retain_internal(r);
}

static void region_tether_end(Region* r) {
    region_release_internal(r);
}

/* Dependency rule: a store must never point an older region into a
 * younger one. Creation order is the partial order. */
static int region_store_ok(Region* holder, Region* target) {
    if (!holder || !target || holder == target) return 1;
    return holder->seq >= target->seq;
}

/* Scope stack: region_current() is where fresh allocations land,
 * region_caller() is the escape destination for returned values. */
#define REGION_STACK_CAP 1024
static Region* g_region_stack[REGION_STACK_CAP];
static int g_region_sp = 0;

static Region* root_region(void);

static void region_push(Region* r) {
    if (g_region_sp >= REGION_STACK_CAP) {
        fprintf(stderr, "omni: region stack overflow\n");
        exit(1);
    }
    g_region_stack[g_region_sp++] = r;
}

static void region_pop(void) {
    if (g_region_sp > 0) g_region_sp--;
}

static Region* region_current(void) {
    return g_region_sp ? g_region_stack[g_region_sp - 1] : root_region();
}

/* Exception unwinding: a longjmp past region scopes skips their exit
 * calls; the catch arm restores the stack depth and runs them here. */
static void region_unwind_to(int sp) {
    while (g_region_sp > sp) {
        Region* r = g_region_stack[--g_region_sp];
        region_exit(r);
        region_destroy_if_dead(r);
    }
}
`)
}

// GenerateBorrowRuntime emits epoch-validated borrow references.
func (g *RuntimeGenerator) GenerateBorrowRuntime() {
	g.emitRaw(`
/* ---- Epoch borrows ---- */

struct BorrowRef {
    Obj* target;
    Region* region;
    uint64_t epoch;
};

static BorrowRef* borrow_create(Obj* obj) {
    BorrowRef* b = malloc(sizeof(BorrowRef));
    if (!b) { fprintf(stderr, "omni: out of memory\n"); exit(1); }
    b->target = obj;
    b->region = IS_BOXED(obj) ? obj->region : NULL;
    b->epoch = b->region
        ? atomic_load_explicit(&b->region->epoch, memory_order_acquire)
        : 0;
    return b;
}

static Obj* borrow_deref(BorrowRef* b) {
    if (!b) return OMNI_NIL;
    if (b->region) {
        uint64_t now = atomic_load_explicit(&b->region->epoch, memory_order_acquire);
        if (now != b->epoch || !region_alive(b->region)) {
            fprintf(stderr, "omni: stale borrow (region %llu, epoch %llu -> %llu)\n",
                    (unsigned long long)b->region->id,
                    (unsigned long long)b->epoch,
                    (unsigned long long)now);
            exit(1);
        }
    }
    return b->target;
}
`)
}

// GenerateConstructors emits region-aware value constructors.
func (g *RuntimeGenerator) GenerateConstructors() {
	g.emitRaw(`
/* ---- Constructors ---- */
/* Immediates never allocate; everything else lands in its region. */

static Obj* mk_int(int64_t n)  { return MK_IMM_INT(n); }
static Obj* mk_char(uint32_t c){ return MK_IMM_CHAR(c); }
static Obj* mk_bool(int b)     { return MK_IMM_BOOL(b); }

static Obj* mk_int_region(Region* r, int64_t n) {
    (void)r; /* ints stay immediate regardless of region */
    return MK_IMM_INT(n);
}

static Obj* obj_new(Region* r, int tag) {
    Obj* o = region_alloc(r, sizeof(Obj));
    memset(o, 0, sizeof(Obj));
    o->tag = tag;
    o->region = r;
    return o;
}

static Obj* mk_float_region(Region* r, double f) {
    Obj* o = obj_new(r, TAG_FLOAT);
    o->as.f = f;
    return o;
}

static Obj* mk_pair_region(Region* r, Obj* car, Obj* cdr) {
    Obj* o = obj_new(r, TAG_PAIR);
    o->as.pair.car = car;
    o->as.pair.cdr = cdr;
    return o;
}

static Obj* mk_sym_region(Region* r, const char* name) {
    Obj* o = obj_new(r, TAG_SYM);
    size_t n = strlen(name) + 1;
    char* copy = region_alloc(r, n);
    memcpy(copy, name, n);
    o->as.sym.name = copy;
    return o;
}

static Obj* mk_string_region(Region* r, const char* bytes, int len) {
    Obj* o = obj_new(r, TAG_STRING);
    o->as.str.bytes = region_alloc(r, (size_t)len + 1);
    memcpy(o->as.str.bytes, bytes, (size_t)len);
    o->as.str.bytes[len] = 0;
    o->as.str.len = len;
    return o;
}

static Obj* mk_array_region(Region* r, int cap) {
    Obj* o = obj_new(r, TAG_ARRAY);
    if (cap < 4) cap = 4;
    o->as.array.items = region_alloc(r, (size_t)cap * sizeof(Obj*));
    o->as.array.cap = cap;
    return o;
}

static Obj* mk_dict_region(Region* r, int cap) {
    Obj* o = obj_new(r, TAG_DICT);
    if (cap < 4) cap = 4;
    o->as.dict.keys = region_alloc(r, (size_t)cap * sizeof(Obj*));
    o->as.dict.vals = region_alloc(r, (size_t)cap * sizeof(Obj*));
    o->as.dict.cap = cap;
    return o;
}

static Obj* mk_box_region(Region* r, Obj* v) {
    Obj* o = obj_new(r, TAG_BOX);
    o->as.box.cell = v;
    return o;
}

static Obj* mk_error_region(Region* r, const char* msg) {
    Obj* o = obj_new(r, TAG_ERROR);
    size_t n = strlen(msg) + 1;
    char* copy = region_alloc(r, n);
    memcpy(copy, msg, n);
    o->as.error.msg = copy;
    return o;
}

static Obj* mk_closure(Region* r, ClosureFn fn, Obj** captures,
                       BorrowRef** refs, int n_captures, int arity) {
    Obj* o = obj_new(r, TAG_CLOSURE);
    o->as.closure.fn = fn;
    o->as.closure.arity = arity;
    o->as.closure.n_captures = n_captures;
    if (n_captures > 0) {
        o->as.closure.captures = region_alloc(r, (size_t)n_captures * sizeof(Obj*));
        memcpy(o->as.closure.captures, captures, (size_t)n_captures * sizeof(Obj*));
        if (refs) {
            o->as.closure.refs = region_alloc(r, (size_t)n_captures * sizeof(BorrowRef*));
            memcpy(o->as.closure.refs, refs, (size_t)n_captures * sizeof(BorrowRef*));
        }
    }
    return o;
}

static Obj* mk_atom_region(Region* r, Obj* v) {
    Obj* o = obj_new(r, TAG_ATOM);
    atomic_store_explicit(&o->as.atom.cell, v, memory_order_release);
    return o;
}

/* The root region: process-wide, immutable-read-only residents
 * (interned symbols, compiled constants). Never exits. */
static Region* g_root_region = NULL;

static Region* root_region(void) {
    if (!g_root_region) g_root_region = region_create();
    return g_root_region;
}

static Obj* mk_sym(const char* name)  { return mk_sym_region(root_region(), name); }
static Obj* mk_float(double f)        { return mk_float_region(root_region(), f); }
static Obj* mk_error(const char* m)   { return mk_error_region(root_region(), m); }
`)
}

// GenerateTransmigrate emits the forwarding-table graph copy.
func (g *RuntimeGenerator) GenerateTransmigrate() {
	g.emitRaw(`
/* ---- Transmigration ---- */
/* Graph-copy a value into the destination region. The forwarding
 * table maps source objects to copies, so shared substructure and
 * cycles copy once; it is per-call, cleared between transmigrations.
 * Pointers leaving the source region are external roots: kept, never
 * rewritten. */

typedef struct FwdEntry { Obj* from; Obj* to; } FwdEntry;
typedef struct FwdTable {
    FwdEntry* slots;
    size_t cap;
    size_t len;
} FwdTable;

static void fwd_init(FwdTable* t) {
    t->cap = 64;
    t->len = 0;
    t->slots = calloc(t->cap, sizeof(FwdEntry));
}

static void fwd_grow(FwdTable* t);

static void fwd_put(FwdTable* t, Obj* from, Obj* to) {
    if (t->len * 2 >= t->cap) fwd_grow(t);
    size_t i = ((uintptr_t)from >> 3) & (t->cap - 1);
    while (t->slots[i].from) i = (i + 1) & (t->cap - 1);
    t->slots[i].from = from;
    t->slots[i].to = to;
    t->len++;
}

static Obj* fwd_get(FwdTable* t, Obj* from) {
    size_t i = ((uintptr_t)from >> 3) & (t->cap - 1);
    while (t->slots[i].from) {
        if (t->slots[i].from == from) return t->slots[i].to;
        i = (i + 1) & (t->cap - 1);
    }
    return NULL;
}

static void fwd_grow(FwdTable* t) {
    FwdEntry* old = t->slots;
    size_t old_cap = t->cap;
    t->cap *= 2;
    t->len = 0;
    t->slots = calloc(t->cap, sizeof(FwdEntry));
    for (size_t i = 0; i < old_cap; i++) {
        if (old[i].from) fwd_put(t, old[i].from, old[i].to);
    }
    free(old);
}

static Obj* transmigrate_walk(Obj* v, Region* src, Region* dst, FwdTable* fwd);

static Obj* transmigrate(Obj* root, Region* src, Region* dst) {
    if (!IS_BOXED(root)) return root;
    if (!root->region) {
        fprintf(stderr, "omni: transmigrate of unreachable pointer\n");
        exit(1);
    }
    FwdTable fwd;
    fwd_init(&fwd);
    Obj* out = transmigrate_walk(root, src, dst, &fwd);
    free(fwd.slots);
    return out;
}

static Obj* transmigrate_walk(Obj* v, Region* src, Region* dst, FwdTable* fwd) {
    if (!IS_BOXED(v)) return v;
    if (v->region != src) return v;   /* external root */
    Obj* seen = fwd_get(fwd, v);
    if (seen) return seen;

    Obj* copy = obj_new(dst, v->tag);
    fwd_put(fwd, v, copy);   /* seed before walking refs: cycles close */

    switch (v->tag) {
    case TAG_FLOAT:
        copy->as.f = v->as.f;
        break;
    case TAG_PAIR:
        copy->as.pair.car = transmigrate_walk(v->as.pair.car, src, dst, fwd);
        copy->as.pair.cdr = transmigrate_walk(v->as.pair.cdr, src, dst, fwd);
        break;
    case TAG_SYM: {
        size_t n = strlen(v->as.sym.name) + 1;
        char* name = region_alloc(dst, n);
        memcpy(name, v->as.sym.name, n);
        copy->as.sym.name = name;
        break;
    }
    case TAG_STRING:
        copy->as.str.bytes = region_alloc(dst, (size_t)v->as.str.len + 1);
        memcpy(copy->as.str.bytes, v->as.str.bytes, (size_t)v->as.str.len + 1);
        copy->as.str.len = v->as.str.len;
        break;
    case TAG_ARRAY:
        copy->as.array.items = region_alloc(dst, (size_t)v->as.array.cap * sizeof(Obj*));
        copy->as.array.cap = v->as.array.cap;
        copy->as.array.len = v->as.array.len;
        copy->as.array.has_boxed = v->as.array.has_boxed;
        for (int i = 0; i < v->as.array.len; i++) {
            copy->as.array.items[i] = transmigrate_walk(v->as.array.items[i], src, dst, fwd);
        }
        break;
    case TAG_DICT:
        copy->as.dict.keys = region_alloc(dst, (size_t)v->as.dict.cap * sizeof(Obj*));
        copy->as.dict.vals = region_alloc(dst, (size_t)v->as.dict.cap * sizeof(Obj*));
        copy->as.dict.cap = v->as.dict.cap;
        copy->as.dict.len = v->as.dict.len;
        for (int i = 0; i < v->as.dict.len; i++) {
            copy->as.dict.keys[i] = transmigrate_walk(v->as.dict.keys[i], src, dst, fwd);
            copy->as.dict.vals[i] = transmigrate_walk(v->as.dict.vals[i], src, dst, fwd);
        }
        break;
    case TAG_BOX:
        copy->as.box.cell = transmigrate_walk(v->as.box.cell, src, dst, fwd);
        break;
    case TAG_CLOSURE:
        copy->as.closure = v->as.closure;
        if (v->as.closure.n_captures > 0) {
            copy->as.closure.captures =
                region_alloc(dst, (size_t)v->as.closure.n_captures * sizeof(Obj*));
            for (int i = 0; i < v->as.closure.n_captures; i++) {
                copy->as.closure.captures[i] =
                    transmigrate_walk(v->as.closure.captures[i], src, dst, fwd);
            }
        }
        break;
    default:
        if (v->tag >= TAG_USER_BASE) {
            copy->as.user.n_fields = v->as.user.n_fields;
            copy->as.user.fields =
                region_alloc(dst, (size_t)v->as.user.n_fields * sizeof(Obj*));
            for (int i = 0; i < v->as.user.n_fields; i++) {
                copy->as.user.fields[i] =
                    transmigrate_walk(v->as.user.fields[i], src, dst, fwd);
            }
        } else {
            copy->as = v->as;
        }
        break;
    }
    return copy;
}

/* ---- Escape repair ---- */
/* Store barrier with auto-repair. Policy: sources under the threshold
 * transmigrate; larger ones retain; retain-unsafe falls back to
 * transmigrate. Deterministic for a given configuration. */

#ifndef OMNI_TRANSMIGRATE_THRESHOLD
#define OMNI_TRANSMIGRATE_THRESHOLD 4096
#endif

static Obj* repair_store(Obj* container, Obj* value, int retain_safe) {
    if (!IS_BOXED(container) || !IS_BOXED(value)) return value;
    Region* holder = container->region;
    Region* target = value->region;
    if (region_store_ok(holder, target)) return value;
    if (retain_safe && target->bytes >= OMNI_TRANSMIGRATE_THRESHOLD) {
        region_retain_internal(target);
        return value;
    }
    return transmigrate(value, target, holder);
}

/* Return-position escape: repair a value leaving the region that was
 * just exited, into the caller's current region. Same policy, same
 * determinism. */
static Obj* escape_out(Obj* v, Region* src) {
    if (!IS_BOXED(v) || v->region != src) return v;
    if (src->bytes >= OMNI_TRANSMIGRATE_THRESHOLD) {
        region_retain_internal(src);
        return v;
    }
    return transmigrate(v, src, region_current());
}
`)
}

// GeneratePrimitives emits truthiness, arithmetic, comparison, list,
// array/dict, box, and I/O primitives over the value model.
func (g *RuntimeGenerator) GeneratePrimitives() {
	g.emitRaw(`
/* ---- Primitives ---- */

/* Only false and nothing are falsy. */
static int is_truthy(Obj* v) {
    if (IS_IMM_BOOL(v)) return IMM_BOOL_VAL(v);
    if (IS_IMM_NOTHING(v)) return 0;
    return 1;
}

static Obj* is_truthy_obj(Obj* v) { return MK_IMM_BOOL(is_truthy(v)); }

static int64_t obj_int(Obj* v) {
    if (IS_IMM_INT(v)) return IMM_INT_VAL(v);
    if (IS_BOXED(v) && v->tag == TAG_FLOAT) return (int64_t)v->as.f;
    fprintf(stderr, "omni: type mismatch: expected integer\n");
    exit(1);
}

static double obj_float(Obj* v) {
    if (IS_IMM_INT(v)) return (double)IMM_INT_VAL(v);
    if (IS_BOXED(v) && v->tag == TAG_FLOAT) return v->as.f;
    fprintf(stderr, "omni: type mismatch: expected number\n");
    exit(1);
}

static int obj_is_float(Obj* v) { return IS_BOXED(v) && v->tag == TAG_FLOAT; }

#define ARITH(name, op) \
static Obj* name(Obj* a, Obj* b) { \
    if (obj_is_float(a) || obj_is_float(b)) \
        return mk_float(obj_float(a) op obj_float(b)); \
    return MK_IMM_INT(obj_int(a) op obj_int(b)); \
}
ARITH(prim_add, +)
ARITH(prim_sub, -)
ARITH(prim_mul, *)
#undef ARITH

static Obj* prim_div(Obj* a, Obj* b) {
    if (obj_is_float(a) || obj_is_float(b)) {
        double d = obj_float(b);
        if (d == 0.0) { fprintf(stderr, "omni: division by zero\n"); exit(1); }
        return mk_float(obj_float(a) / d);
    }
    int64_t d = obj_int(b);
    if (d == 0) { fprintf(stderr, "omni: division by zero\n"); exit(1); }
    return MK_IMM_INT(obj_int(a) / d);
}

static Obj* prim_mod(Obj* a, Obj* b) {
    int64_t d = obj_int(b);
    if (d == 0) { fprintf(stderr, "omni: division by zero\n"); exit(1); }
    return MK_IMM_INT(obj_int(a) % d);
}

#define COMPARE(name, op) \
static Obj* name(Obj* a, Obj* b) { \
    return MK_IMM_BOOL(obj_float(a) op obj_float(b)); \
}
COMPARE(prim_lt, <)
COMPARE(prim_gt, >)
COMPARE(prim_le, <=)
COMPARE(prim_ge, >=)
#undef COMPARE

static Obj* prim_eq(Obj* a, Obj* b) {
    if (a == b) return OMNI_TRUE;
    if (IS_IMMEDIATE(a) || IS_IMMEDIATE(b)) return MK_IMM_BOOL(a == b);
    if (!a || !b) return MK_IMM_BOOL(a == b);
    if (a->tag != b->tag) return OMNI_FALSE;
    switch (a->tag) {
    case TAG_FLOAT: return MK_IMM_BOOL(a->as.f == b->as.f);
    case TAG_SYM:   return MK_IMM_BOOL(strcmp(a->as.sym.name, b->as.sym.name) == 0);
    default:        return OMNI_FALSE;
    }
}

static Obj* prim_not(Obj* a)  { return MK_IMM_BOOL(!is_truthy(a)); }
static Obj* prim_abs(Obj* a)  {
    if (obj_is_float(a)) { double f = a->as.f; return mk_float(f < 0 ? -f : f); }
    int64_t n = obj_int(a); return MK_IMM_INT(n < 0 ? -n : n);
}

static Obj* prim_null(Obj* x) { return MK_IMM_BOOL(x == OMNI_NIL); }
static Obj* prim_pair(Obj* x) { return MK_IMM_BOOL(IS_BOXED(x) && x->tag == TAG_PAIR); }
static Obj* prim_int(Obj* x)  { return MK_IMM_BOOL(IS_IMM_INT(x)); }
static Obj* prim_float(Obj* x){ return MK_IMM_BOOL(obj_is_float(x)); }
static Obj* prim_char(Obj* x) { return MK_IMM_BOOL(IS_IMM_CHAR(x)); }
static Obj* prim_sym(Obj* x)  { return MK_IMM_BOOL(IS_BOXED(x) && x->tag == TAG_SYM); }

static Obj* obj_car(Obj* p) {
    if (!IS_BOXED(p) || p->tag != TAG_PAIR) {
        fprintf(stderr, "omni: car of non-pair\n"); exit(1);
    }
    return p->as.pair.car;
}

static Obj* obj_cdr(Obj* p) {
    if (!IS_BOXED(p) || p->tag != TAG_PAIR) {
        fprintf(stderr, "omni: cdr of non-pair\n"); exit(1);
    }
    return p->as.pair.cdr;
}

static Obj* box_get(Obj* b) {
    if (!IS_BOXED(b) || b->tag != TAG_BOX) {
        fprintf(stderr, "omni: unbox of non-box\n"); exit(1);
    }
    return b->as.box.cell;
}

static Obj* box_set(Obj* b, Obj* v) {
    if (!IS_BOXED(b) || b->tag != TAG_BOX) {
        fprintf(stderr, "omni: set-box! of non-box\n"); exit(1);
    }
    b->as.box.cell = repair_store(b, v, 1);
    return b->as.box.cell;
}

static Obj* array_push(Obj* a, Obj* v) {
    if (!IS_BOXED(a) || a->tag != TAG_ARRAY) {
        fprintf(stderr, "omni: array-push! of non-array\n"); exit(1);
    }
    if (a->as.array.len >= a->as.array.cap) {
        int cap = a->as.array.cap * 2;
        Obj** items = region_alloc(a->region, (size_t)cap * sizeof(Obj*));
        memcpy(items, a->as.array.items, (size_t)a->as.array.len * sizeof(Obj*));
        a->as.array.items = items;
        a->as.array.cap = cap;
    }
    v = repair_store(a, v, 1);
    a->as.array.items[a->as.array.len++] = v;
    if (IS_BOXED(v)) a->as.array.has_boxed = 1;
    return a;
}

static Obj* array_ref(Obj* a, Obj* idx) {
    int64_t i = obj_int(idx);
    if (!IS_BOXED(a) || a->tag != TAG_ARRAY || i < 0 || i >= a->as.array.len) {
        fprintf(stderr, "omni: array index out of range\n"); exit(1);
    }
    return a->as.array.items[i];
}

static Obj* dict_set(Obj* d, Obj* k, Obj* v) {
    if (!IS_BOXED(d) || d->tag != TAG_DICT) {
        fprintf(stderr, "omni: dict-set! of non-dict\n"); exit(1);
    }
    for (int i = 0; i < d->as.dict.len; i++) {
        if (is_truthy(prim_eq(d->as.dict.keys[i], k))) {
            d->as.dict.vals[i] = repair_store(d, v, 1);
            return d;
        }
    }
    if (d->as.dict.len >= d->as.dict.cap) {
        int cap = d->as.dict.cap * 2;
        Obj** keys = region_alloc(d->region, (size_t)cap * sizeof(Obj*));
        Obj** vals = region_alloc(d->region, (size_t)cap * sizeof(Obj*));
        memcpy(keys, d->as.dict.keys, (size_t)d->as.dict.len * sizeof(Obj*));
        memcpy(vals, d->as.dict.vals, (size_t)d->as.dict.len * sizeof(Obj*));
        d->as.dict.keys = keys;
        d->as.dict.vals = vals;
        d->as.dict.cap = cap;
    }
    d->as.dict.keys[d->as.dict.len] = repair_store(d, k, 1);
    d->as.dict.vals[d->as.dict.len] = repair_store(d, v, 1);
    d->as.dict.len++;
    return d;
}

static Obj* dict_get(Obj* d, Obj* k) {
    if (!IS_BOXED(d) || d->tag != TAG_DICT) return OMNI_NOTHING;
    for (int i = 0; i < d->as.dict.len; i++) {
        if (is_truthy(prim_eq(d->as.dict.keys[i], k))) return d->as.dict.vals[i];
    }
    return OMNI_NOTHING;
}

static Obj* call_closure(Obj* clos, Obj** args, int n) {
    if (!IS_BOXED(clos) || clos->tag != TAG_CLOSURE) {
        fprintf(stderr, "omni: call of non-closure\n"); exit(1);
    }
    if (clos->as.closure.refs) {
        for (int i = 0; i < clos->as.closure.n_captures; i++) {
            if (clos->as.closure.refs[i]) borrow_deref(clos->as.closure.refs[i]);
        }
    }
    return clos->as.closure.fn(clos->as.closure.captures, args, n);
}

static void print_obj(Obj* v);

static void print_list(Obj* p) {
    printf("(");
    int first = 1;
    while (IS_BOXED(p) && p->tag == TAG_PAIR) {
        if (!first) printf(" ");
        first = 0;
        print_obj(p->as.pair.car);
        p = p->as.pair.cdr;
    }
    if (p != OMNI_NIL) {
        printf(" . ");
        print_obj(p);
    }
    printf(")");
}

static void print_obj(Obj* v) {
    if (v == OMNI_NIL) { printf("()"); return; }
    if (IS_IMM_INT(v)) { printf("%lld", (long long)IMM_INT_VAL(v)); return; }
    if (IS_IMM_BOOL(v)) { printf(IMM_BOOL_VAL(v) ? "true" : "false"); return; }
    if (IS_IMM_CHAR(v)) { printf("%c", (char)IMM_CHAR_VAL(v)); return; }
    if (IS_IMM_NOTHING(v)) { printf("nothing"); return; }
    switch (v->tag) {
    case TAG_FLOAT:  printf("%g", v->as.f); break;
    case TAG_PAIR:   print_list(v); break;
    case TAG_SYM:    printf("%s", v->as.sym.name); break;
    case TAG_STRING: fwrite(v->as.str.bytes, 1, (size_t)v->as.str.len, stdout); break;
    case TAG_ARRAY: {
        printf("[");
        for (int i = 0; i < v->as.array.len; i++) {
            if (i) printf(" ");
            print_obj(v->as.array.items[i]);
        }
        printf("]");
        break;
    }
    case TAG_ERROR:  printf("#<error: %s>", v->as.error.msg); break;
    case TAG_CLOSURE: printf("#<closure>"); break;
    case TAG_BOX:    printf("#<box>"); break;
    case TAG_ATOM:   printf("#<atom>"); break;
    default:         printf("#<obj:%d>", v->tag); break;
    }
}

static Obj* prim_display(Obj* v) { print_obj(v); return OMNI_NOTHING; }
static Obj* prim_newline(void)   { printf("\n"); return OMNI_NOTHING; }
static Obj* prim_print(Obj* v)   { print_obj(v); printf("\n"); return OMNI_NOTHING; }

static Obj* list_length(Obj* xs) {
    int64_t n = 0;
    while (IS_BOXED(xs) && xs->tag == TAG_PAIR) { n++; xs = xs->as.pair.cdr; }
    return MK_IMM_INT(n);
}

static Obj* list_reverse(Obj* xs) {
    Obj* out = OMNI_NIL;
    Region* r = root_region();
    while (IS_BOXED(xs) && xs->tag == TAG_PAIR) {
        if (IS_BOXED(xs)) r = xs->region;
        out = mk_pair_region(r, xs->as.pair.car, out);
        xs = xs->as.pair.cdr;
    }
    return out;
}

static Obj* list_append(Obj* a, Obj* b) {
    if (a == OMNI_NIL) return b;
    Region* r = IS_BOXED(a) ? a->region : root_region();
    return mk_pair_region(r, obj_car(a), list_append(obj_cdr(a), b));
}

static Obj* string_concat(Obj* a, Obj* b) {
    /* strings are (quote (chars...)) lists at this level */
    return list_append(a, b);
}
`)
}

// GenerateConcurrencyRuntime emits atoms, threads, fibers and
// cooperative cancellation.
func (g *RuntimeGenerator) GenerateConcurrencyRuntime() {
	g.emitRaw(`
/* ---- Concurrency ---- */
/* Values cross threads by ownership transfer, transmigration on send,
 * or atoms (CAS cells). Mutable sharing has no other path. */

static Obj* atom_deref(Obj* a) {
    if (!IS_BOXED(a) || a->tag != TAG_ATOM) {
        fprintf(stderr, "omni: deref of non-atom\n"); exit(1);
    }
    return atomic_load_explicit(&a->as.atom.cell, memory_order_acquire);
}

static Obj* atom_swap(Obj* a, Obj* fn) {
    for (;;) {
        Obj* old = atom_deref(a);
        Obj* args[1] = { old };
        Obj* new = call_closure(fn, args, 1);
        Obj* expected = old;
        if (atomic_compare_exchange_strong_explicit(
                &a->as.atom.cell, &expected, new,
                memory_order_acq_rel, memory_order_acquire)) {
            return new;
        }
    }
}

typedef struct FiberArg {
    Obj* thunk;
    Obj* handle;
} FiberArg;

static void* fiber_trampoline(void* p) {
    FiberArg* fa = p;
    Obj* result = call_closure(fa->thunk, NULL, 0);
    fa->handle->as.thread.result = result;
    atomic_store_explicit(&fa->handle->as.thread.done, 1, memory_order_release);
    free(fa);
    return NULL;
}

static Obj* spawn_fiber(Region* r, Obj* thunk) {
    Obj* handle = obj_new(r, TAG_THREAD);
    FiberArg* fa = malloc(sizeof(FiberArg));
    fa->thunk = thunk;
    fa->handle = handle;
    if (SPAWN_THREAD(&handle->as.thread.tid, fiber_trampoline, fa) != 0) {
        fprintf(stderr, "omni: spawn failed\n"); exit(1);
    }
    return handle;
}

static Obj* fiber_join(Obj* handle) {
    if (!IS_BOXED(handle) || handle->tag != TAG_THREAD) {
        fprintf(stderr, "omni: join of non-thread\n"); exit(1);
    }
    pthread_join(handle->as.thread.tid, NULL);
    return handle->as.thread.result;
}

static Obj* fiber_cancel(Obj* handle) {
    if (IS_BOXED(handle) && handle->tag == TAG_THREAD) {
        atomic_store_explicit(&handle->as.thread.canceled, 1, memory_order_release);
    }
    return OMNI_NOTHING;
}

static Obj* fiber_canceled(Obj* handle) {
    if (IS_BOXED(handle) && handle->tag == TAG_THREAD) {
        return MK_IMM_BOOL(atomic_load_explicit(&handle->as.thread.canceled,
                                                memory_order_acquire));
    }
    return OMNI_FALSE;
}

/* with-fibers: join everything spawned in the scope; cancel stragglers
 * first when the scope unwinds with an error. */
typedef struct FiberScope {
    Obj** handles;
    int len;
    int cap;
    struct FiberScope* parent;
} FiberScope;

static FiberScope* g_fiber_scope = NULL;

static void fiber_scope_enter(void) {
    FiberScope* s = calloc(1, sizeof(FiberScope));
    s->parent = g_fiber_scope;
    g_fiber_scope = s;
}

static void fiber_scope_track(Obj* handle) {
    FiberScope* s = g_fiber_scope;
    if (!s) return;
    if (s->len >= s->cap) {
        s->cap = s->cap ? s->cap * 2 : 8;
        s->handles = realloc(s->handles, (size_t)s->cap * sizeof(Obj*));
    }
    s->handles[s->len++] = handle;
}

static void fiber_scope_exit(int cancel_stragglers) {
    FiberScope* s = g_fiber_scope;
    if (!s) return;
    g_fiber_scope = s->parent;
    for (int i = 0; i < s->len; i++) {
        if (cancel_stragglers) fiber_cancel(s->handles[i]);
        fiber_join(s->handles[i]);
    }
    free(s->handles);
    free(s);
}
`)
}

// GenerateExceptionRuntime emits setjmp-based TRY/THROW.
func (g *RuntimeGenerator) GenerateExceptionRuntime() {
	g.emitRaw(`
/* ---- Exceptions ---- */

typedef struct TryFrame {
    jmp_buf buf;
    Obj* thrown;
    struct TryFrame* parent;
} TryFrame;

static TryFrame* g_try_top = NULL;

#define TRY_BEGIN { \
    TryFrame _frame; \
    _frame.thrown = NULL; \
    _frame.parent = g_try_top; \
    g_try_top = &_frame; \
    if (setjmp(_frame.buf) == 0)

#define TRY_CATCH(err_var) \
    else { err_var = _frame.thrown; } \
    g_try_top = _frame.parent; \
    if (_frame.thrown)

#define TRY_END }

static Obj* omni_throw(Obj* err) {
    if (g_try_top) {
        g_try_top->thrown = err;
        longjmp(g_try_top->buf, 1);
    }
    fprintf(stderr, "omni: uncaught error: ");
    print_obj(err);
    fprintf(stderr, "\n");
    exit(1);
}

#define THROW(e) omni_throw(e)
static Obj* mk_error_obj(Obj* v) { return IS_BOXED(v) && v->tag == TAG_ERROR ? v : v; }
`)
}

// GenerateUserTypes emits constructors, accessors and tags for every
// registered deftype. Fields the back-edge analysis demoted to weak
// are stored without a repair barrier; they never own their referent.
func (g *RuntimeGenerator) GenerateUserTypes() {
	types := g.registry.All()
	g.emitRaw("\n/* ---- User types ---- */\n")
	for _, info := range types {
		g.emit("#define TAG_%s %d\n", strings.ToUpper(info.Name), info.Tag)
	}
	for _, info := range types {
		mk := "mk_" + info.Name + "_region"
		var params []string
		for _, f := range info.Fields {
			params = append(params, "Obj* "+MangleName(f.Name))
		}
		g.emit("\nstatic Obj* %s(Region* r%s) {\n", mk, prefixEach(params))
		g.emit("    Obj* o = obj_new(r, TAG_%s);\n", strings.ToUpper(info.Name))
		g.emit("    o->as.user.n_fields = %d;\n", len(info.Fields))
		g.emit("    o->as.user.fields = region_alloc(r, %d * sizeof(Obj*));\n", len(info.Fields))
		for i, f := range info.Fields {
			if f.Strength == FieldWeak {
				g.emit("    o->as.user.fields[%d] = %s; /* weak */\n", i, MangleName(f.Name))
			} else {
				g.emit("    o->as.user.fields[%d] = repair_store(o, %s, 1);\n", i, MangleName(f.Name))
			}
		}
		g.emitRaw("    return o;\n}\n")
		for i, f := range info.Fields {
			g.emit("static Obj* %s_get_%s(Obj* o) { return o->as.user.fields[%d]; }\n",
				info.Name, MangleName(f.Name), i)
		}
	}

	// The generic accessor behind (get obj key): dicts by key, arrays
	// and pairs by index, user types by field name.
	g.emitRaw(`
static Obj* user_get_field(Obj* o, const char* name) {
    switch (o->tag) {
`)
	for _, info := range types {
		g.emit("    case TAG_%s:\n", strings.ToUpper(info.Name))
		for i, f := range info.Fields {
			g.emit("        if (strcmp(name, %q) == 0) return o->as.user.fields[%d];\n", f.Name, i)
		}
		g.emitRaw("        return OMNI_NOTHING;\n")
	}
	g.emitRaw(`    default:
        return OMNI_NOTHING;
    }
}

static Obj* omni_get(Obj* obj, Obj* key) {
    if (!IS_BOXED(obj)) return OMNI_NOTHING;
    switch (obj->tag) {
    case TAG_DICT:
        return dict_get(obj, key);
    case TAG_ARRAY:
        return array_ref(obj, key);
    case TAG_PAIR: {
        int64_t i = obj_int(key);
        Obj* p = obj;
        while (i-- > 0) p = obj_cdr(p);
        return obj_car(p);
    }
    case TAG_BOX:
        return box_get(obj);
    default:
        if (obj->tag >= TAG_USER_BASE && IS_BOXED(key) && key->tag == TAG_SYM) {
            return user_get_field(obj, key->as.sym.name);
        }
        return OMNI_NOTHING;
    }
}
`)
}

func prefixEach(params []string) string {
	if len(params) == 0 {
		return ""
	}
	return ", " + strings.Join(params, ", ")
}

// GenerateAll emits the complete runtime prelude in dependency order.
func (g *RuntimeGenerator) GenerateAll() {
	g.GenerateHeader()
	g.GenerateRegionRuntime()
	g.GenerateBorrowRuntime()
	g.GenerateConstructors()
	g.GenerateTransmigrate()
	g.GeneratePrimitives()
	g.GenerateConcurrencyRuntime()
	g.GenerateExceptionRuntime()
	g.GenerateUserTypes()
}

// GenerateRuntime renders the whole prelude to a string.
func GenerateRuntime(registry *TypeRegistry) string {
	var sb strings.Builder
	NewRuntimeGenerator(&sb, registry).GenerateAll()
	return sb.String()
}
